// Package relay parses relay service flags and launches the service.
package relay

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/sketchrelay/internal/platform/cmd"
	"github.com/louisbranch/sketchrelay/internal/relay/app"
)

// Config holds relay command configuration.
type Config struct {
	Port int `env:"SKETCHRELAY_PORT" envDefault:"8090"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The relay gRPC server port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the relay service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(context.Context) error {
		return app.Run(ctx, cfg.Port)
	})
}
