// Package app assembles and runs the hosted identity surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	hostedhttp "github.com/substrate-id/d2p/internal/hosted/api/http"
	"github.com/substrate-id/d2p/internal/hosted/storage/sqlite"
	"github.com/substrate-id/d2p/internal/hosted/token"
	"github.com/substrate-id/d2p/internal/platform/timeouts"
)

// Config defines the inputs for the hosted server.
type Config struct {
	HTTPAddr    string
	StoragePath string
	Tokens      token.Config
	Surface     hostedhttp.Config
}

// Server hosts the hosted identity HTTP server.
type Server struct {
	httpAddr   string
	httpServer *http.Server
	store      *sqlite.Store
}

// NewServer builds a configured hosted server: it opens storage, applies
// migrations, and wires the HTTP surface.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}

	store, err := sqlite.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	service, err := hostedhttp.NewService(store, config.Tokens, config.Surface)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build hosted service: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           service.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	return &Server{
		httpAddr:   httpAddr,
		httpServer: httpServer,
		store:      store,
	}, nil
}

// ListenAndServe runs the HTTP server until the context ends.
//
// On cancellation, it performs a bounded shutdown so in-flight requests
// are drained before hard close.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("hosted server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("hosted surface listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases storage held by the server.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close storage: %v", err)
		}
	}
}
