// Package maintenance implements one-shot operational commands against a
// relay database: sweeping overdue attempts and reporting capacity.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/louisbranch/sketchrelay/internal/relay/app"
	"github.com/louisbranch/sketchrelay/internal/relay/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath     string
	Timeout    time.Duration
	Sweep      bool
	Stats      bool
	JSONOutput bool
}

type envConfig struct {
	DBPath  string        `env:"SKETCHRELAY_DB_PATH"`
	Timeout time.Duration `env:"SKETCHRELAY_MAINTENANCE_TIMEOUT" envDefault:"1m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBPath:  envCfg.DBPath,
		Timeout: envCfg.Timeout,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "relay.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to relay sqlite database (default: SKETCHRELAY_DB_PATH or data/relay.db)")
	fs.BoolVar(&cfg.Sweep, "sweep", false, "expire overdue attempts and report how many changed")
	fs.BoolVar(&cfg.Stats, "stats", false, "report active users and unallocated round capacity")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type statsReport struct {
	ActiveUsers []activeUserReport `json:"active_users"`
	Capacity    []capacityReport   `json:"capacity"`
}

type activeUserReport struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	RoundNo int    `json:"round_no"`
	Mode    string `json:"mode"`
}

type capacityReport struct {
	Mode        string `json:"mode"`
	NSFW        bool   `json:"nsfw"`
	RoundNo     int    `json:"round_no"`
	Unallocated int    `json:"unallocated"`
	Prompt      string `json:"prompt,omitempty"`
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if !cfg.Sweep && !cfg.Stats {
		return errors.New("nothing to do: pass -sweep and/or -stats")
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "close relay store: %v\n", err)
		}
	}()
	engine := app.NewEngine(store)

	if cfg.Sweep {
		count, err := engine.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(out, "expired %d overdue attempts\n", count)
	}

	if cfg.Stats {
		if err := reportStats(ctx, engine, cfg.JSONOutput, out); err != nil {
			return err
		}
	}
	return nil
}

func reportStats(ctx context.Context, engine *app.Engine, jsonOutput bool, out io.Writer) error {
	active, err := engine.ActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}
	unallocated, err := engine.UnallocatedRounds(ctx)
	if err != nil {
		return fmt.Errorf("list unallocated rounds: %w", err)
	}

	report := statsReport{
		ActiveUsers: make([]activeUserReport, 0, len(active)),
		Capacity:    make([]capacityReport, 0, len(unallocated)),
	}
	for _, entry := range active {
		report.ActiveUsers = append(report.ActiveUsers, activeUserReport{
			UserID:  entry.User.ID,
			Name:    entry.User.DisplayName,
			RoundNo: entry.Round.RoundNo,
			Mode:    string(entry.Round.Mode),
		})
	}
	for _, entry := range unallocated {
		row := capacityReport{
			Mode:        string(entry.Mode),
			NSFW:        entry.NSFW,
			RoundNo:     entry.RoundNo,
			Unallocated: entry.Unallocated,
		}
		// Rounds for retired modes stay in the database; they just report
		// without a prompt.
		if logic, err := engine.Modes().Logic(entry.Mode); err == nil {
			row.Prompt = logic.Prompt(entry.RoundNo)
		}
		report.Capacity = append(report.Capacity, row)
	}

	if jsonOutput {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	fmt.Fprintf(out, "%d active users\n", len(report.ActiveUsers))
	for _, entry := range report.ActiveUsers {
		fmt.Fprintf(out, "  %s (%s) on %s round %d\n", entry.Name, entry.UserID, entry.Mode, entry.RoundNo)
	}
	for _, entry := range report.Capacity {
		fmt.Fprintf(out, "%s round %d: %d open slots\n", entry.Mode, entry.RoundNo, entry.Unallocated)
	}
	return nil
}
