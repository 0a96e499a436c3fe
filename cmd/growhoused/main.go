// Command growhoused runs the growhouse edge services. One binary,
// two roles: "sensors" owns the ingest pipeline, "control" owns the
// zone control loop and the actuators. Both take a YAML config and
// exit cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"growhouse-go/cache"
	"growhouse-go/config"
	"growhouse-go/store"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

var flagConfig string

func main() {
	root := &cobra.Command{
		Use:          "growhoused",
		Short:        "growhouse edge control plane",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "/etc/growhouse/config.yaml", "path to the service config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "sensors",
			Short: "run the ingest pipeline: CAN bus, soil probes, weather",
			Args:  cobra.NoArgs,
			RunE:  runSensors,
		},
		&cobra.Command{
			Use:   "control",
			Short: "run the zone control loop and drive the actuators",
			Args:  cobra.NoArgs,
			RunE:  runControl,
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the boot context shared by both roles.
type app struct {
	cfg *config.Config
	mgr *config.Manager
	log zerolog.Logger
}

func boot(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := rootLogger(cfg)
	mgr, err := config.NewManager(path, log)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &app{cfg: mgr.Current(), mgr: mgr, log: log}, nil
}

// rootLogger builds the process logger: pretty console output when the
// config asks for it, JSON otherwise.
func rootLogger(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Log.Level != "" {
		if l, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
			level = l
		}
	}
	var w io.Writer = os.Stderr
	if cfg.Log.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func cacheOptions(cfg *config.Config) cache.Options {
	return cache.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	}
}

// openStore dials the database and applies the schema. Open pings, so
// an unreachable database is a startup error, not a silent retry.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*store.Store, error) {
	db, err := store.Open(ctx, store.Options{
		DSN:     cfg.Database.DSN,
		MaxOpen: cfg.Database.MaxOpen,
		MaxIdle: cfg.Database.MaxIdle,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := db.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	return db, nil
}
