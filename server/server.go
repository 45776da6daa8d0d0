// Package server exposes a running system over HTTP: agent and controller snapshots,
// counters, run controls, prometheus metrics and a websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/sysbus_sim/observability"
	"github.com/example/sysbus_sim/simulator"
	"github.com/example/sysbus_sim/visual"
)

// Options configure a Server.
type Options struct {
	Sim *simulator.Simulator
	// Controls receives run controls posted to /api/control. Nil disables the endpoint.
	Controls *visual.ControlQueue
	// Hub serves /ws when set.
	Hub    *Hub
	Logger *zerolog.Logger
}

// Server is the inspection server of one system.
type Server struct {
	sim      *simulator.Simulator
	controls *visual.ControlQueue
	hub      *Hub
	log      zerolog.Logger
	router   *gin.Engine
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Sim == nil {
		return nil, fmt.Errorf("server: simulator is required")
	}
	s := &Server{sim: opts.Sim, controls: opts.Controls, hub: opts.Hub}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "server").Logger()
	} else {
		s.log = log.Logger.With().Str("component", "server").Logger()
	}
	observability.RegisterMetrics()

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), observability.RequestLogger(s.log), observability.RequestMetricsMiddleware())
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("shutdown")
		}
		if s.hub != nil {
			s.hub.Close()
		}
	}()
	s.log.Info().Str("addr", addr).Msg("inspection server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
