package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/sysbus_sim/observability"
	"github.com/example/sysbus_sim/plugins/instrumentation"
	"github.com/example/sysbus_sim/server"
	"github.com/example/sysbus_sim/simulator"
	"github.com/example/sysbus_sim/visual"
)

func newServeCmd() *cobra.Command {
	var (
		setup  setupFlags
		addr   string
		paused bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a setup behind the inspection server",
		Long:  "Runs a setup while serving snapshots, counters, run controls, metrics and a websocket event stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := observability.InitLogger("sysbusctl")

			controls := visual.NewControlQueue(0)
			hub := server.NewHub(logger, controls)
			trace := instrumentation.NewTraceRecorder(instrumentation.DefaultTraceCapacity)
			cfg.Plugins = appendUnique(cfg.Plugins, instrumentation.PluginTrace)
			cfg.Plugins = appendUnique(cfg.Plugins, instrumentation.PluginMetrics)
			sim, err := simulator.New(cfg, simulator.Options{
				Logger:      &logger,
				Controls:    controls,
				Sinks:       map[string]visual.EventSink{"ws": hub},
				Trace:       trace,
				StartPaused: paused,
			})
			if err != nil {
				return err
			}
			srv, err := server.New(server.Options{Sim: sim, Controls: controls, Hub: hub, Logger: &logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				err := sim.Run(ctx)
				switch {
				case errors.Is(err, context.Canceled):
				case err != nil:
					logger.Error().Err(err).Msg("run stopped; serving the halted state")
				default:
					logger.Info().Int("cycle", sim.Cycle()).Msg("run over, still serving")
				}
			}()
			return srv.Start(ctx, cfg.Server.Addr)
		},
	}
	setup.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from the setup)")
	cmd.Flags().BoolVar(&paused, "paused", false, "start paused and wait for run controls")
	return cmd
}
