package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"growhouse-go/bus"
	"growhouse-go/cache"
	"growhouse-go/config"
	"growhouse-go/metrics"
	"growhouse-go/services/ingest"
)

func runSensors(cmd *cobra.Command, _ []string) error {
	a, err := boot(flagConfig)
	if err != nil {
		return err
	}
	log := a.log.With().Str("role", "sensors").Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cache.New(cacheOptions(a.cfg), log)
	defer c.Close()
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("cache unreachable: %w", err)
	}

	db, err := openStore(ctx, a.cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	b := bus.NewBus(64)
	conn := b.NewConnection("ingest")
	defer conn.Disconnect()

	svc := ingest.New(ingest.Options{
		Config:  a.cfg,
		Cache:   c,
		Store:   db,
		Bus:     conn,
		Metrics: metrics.New(),
		Log:     log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		return a.mgr.Watch(gctx, func(cfg *config.Config) {
			svc.SetConfig(cfg)
			conn.Publish(conn.NewMessage(bus.TopicConfigReload(), map[string]string{"event": "config_reload"}, false))
		})
	})

	log.Info().Str("version", version).Msg("sensors service up")
	err = g.Wait()
	log.Info().Msg("sensors service stopped")
	return err
}
