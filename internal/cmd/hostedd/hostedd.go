// Package hostedd wires configuration and lifecycle for the hosted
// identity server.
package hostedd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	hostedhttp "github.com/substrate-id/d2p/internal/hosted/api/http"
	"github.com/substrate-id/d2p/internal/hosted/app"
	"github.com/substrate-id/d2p/internal/hosted/token"
	"github.com/substrate-id/d2p/internal/platform/otel"
)

const (
	defaultHTTPAddr    = "localhost:8095"
	defaultStoragePath = "hosted.db"
)

// Config holds the hostedd command configuration.
type Config struct {
	HTTPAddr    string
	StoragePath string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config, with environment fallbacks.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		HTTPAddr:    envOrDefault(lookup, "SUBSTRATE_D2P_HOSTED_HTTP_ADDR", defaultHTTPAddr),
		StoragePath: envOrDefault(lookup, "SUBSTRATE_D2P_HOSTED_STORAGE_PATH", defaultStoragePath),
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Run starts the hosted identity server and blocks until the context ends.
func Run(ctx context.Context, cfg Config) error {
	shutdownOtel, err := otel.Setup(ctx, "hostedd")
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Printf("shutdown telemetry: %v", err)
		}
	}()

	tokens, err := token.LoadConfigFromEnv(time.Now)
	if err != nil {
		return fmt.Errorf("load token config: %w", err)
	}
	surface, err := hostedhttp.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load surface config: %w", err)
	}

	server, err := app.NewServer(app.Config{
		HTTPAddr:    cfg.HTTPAddr,
		StoragePath: cfg.StoragePath,
		Tokens:      tokens,
		Surface:     surface,
	})
	if err != nil {
		return fmt.Errorf("init hosted server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve hosted: %w", err)
	}
	return nil
}

func envOrDefault(lookup EnvLookup, key, fallback string) string {
	if lookup == nil {
		return fallback
	}
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
