package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/sysbus_sim/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sysbusctl",
		Short:         "System bus agent emulator",
		Long:          "sysbusctl runs bus agents against an emulated system controller and inspects their queues.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDecodeCmd())
	cmd.AddCommand(newPresetsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sysbusctl %s (commit: %s)\n", Version, Commit)
		},
	}
}

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List built-in setups",
		Run: func(cmd *cobra.Command, args []string) {
			for _, p := range config.Presets() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", p.Name, p.Description)
			}
		},
	}
}

// setupFlags are shared by commands that build a system.
type setupFlags struct {
	configPath string
	preset     string
	cycles     int
	seed       int64
}

func (f *setupFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to a TOML or YAML setup")
	cmd.Flags().StringVarP(&f.preset, "preset", "p", "", "built-in setup name (see presets)")
	cmd.Flags().IntVar(&f.cycles, "cycles", 0, "override the cycle count")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "override the workload seed")
}

func (f *setupFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case f.configPath != "" && f.preset != "":
		return nil, fmt.Errorf("--config and --preset are mutually exclusive")
	case f.configPath != "":
		cfg, err = config.Load(f.configPath)
	case f.preset != "":
		cfg, err = config.PresetByName(f.preset)
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if f.cycles > 0 {
		cfg.Cycles = f.cycles
	}
	if f.seed != 0 {
		cfg.Seed = f.seed
	}
	return cfg, cfg.Validate()
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
