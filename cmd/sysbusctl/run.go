package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/sysbus_sim/observability"
	"github.com/example/sysbus_sim/plugins/instrumentation"
	"github.com/example/sysbus_sim/simulator"
)

func newRunCmd() *cobra.Command {
	var (
		setup      setupFlags
		drain      int
		format     string
		tracePath  string
		traceDepth int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a setup headless and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup.load()
			if err != nil {
				return err
			}
			logger := observability.InitLogger("sysbusctl")

			opts := simulator.Options{Logger: &logger}
			if tracePath != "" {
				opts.Trace = instrumentation.NewTraceRecorder(traceDepth)
				cfg.Plugins = appendUnique(cfg.Plugins, instrumentation.PluginTrace)
			}
			sim, err := simulator.New(cfg, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := sim.Run(ctx); err != nil {
				return err
			}
			if drain > 0 {
				if err := sim.Drain(drain); err != nil {
					return err
				}
			}
			if opts.Trace != nil {
				if err := writeTrace(tracePath, opts.Trace); err != nil {
					return err
				}
			}
			return printStats(cmd, sim.Stats(), format)
		},
	}
	setup.register(cmd)
	cmd.Flags().IntVar(&drain, "drain", 1000, "cycles allowed for in-flight requests to finish after the run (0 skips)")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "summary format: text, json or yaml")
	cmd.Flags().StringVar(&tracePath, "trace", "", "write recorded lifecycle events to this YAML file")
	cmd.Flags().IntVar(&traceDepth, "trace-depth", instrumentation.DefaultTraceCapacity, "events kept by the trace recorder")
	return cmd
}

func printStats(cmd *cobra.Command, st simulator.Stats, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "text", "":
		st.Print(out)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		return yaml.NewEncoder(out).Encode(st)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeTrace(path string, trace *instrumentation.TraceRecorder) error {
	data, err := yaml.Marshal(trace.Events())
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

func appendUnique(list []string, name string) []string {
	for _, v := range list {
		if v == name {
			return list
		}
	}
	return append(list, name)
}
