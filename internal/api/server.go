// Package api exposes the replicant's status registry over HTTP and
// WebSocket: a snapshot endpoint for polling tools (the "tui" and "status"
// commands poll it) and a live WebSocket feed for push-based views. There is no job-control surface
// here — a replicant only ever streams.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/status"
)

// Server is the HTTP+WebSocket status server.
type Server struct {
	registry *status.Registry
	logger   zerolog.Logger
	hub      *hub
	srv      *http.Server
}

// New creates a status Server broadcasting registry's snapshots.
func New(registry *status.Registry, logger zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		logger:   logger.With().Str("component", "api").Logger(),
		hub:      newHub(registry, logger),
	}
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)

	s.logger.Info().Str("addr", addr).Msg("starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Err(err).Msg("encode status response")
	}
}

// Addr formats a listen/port pair the way config.APIConfig stores them.
func Addr(listen string, port int) string {
	return fmt.Sprintf("%s:%d", listen, port)
}
