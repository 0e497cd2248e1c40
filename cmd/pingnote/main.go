package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"pingnote/cfg"
	"pingnote/pkg/secrets"
	"pingnote/svc/api"
	"pingnote/svc/db"
	"pingnote/svc/live"
	"pingnote/svc/svc"
	"pingnote/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.SecretsFromProvider {
		if err := resolveSecrets(ctx, c); err != nil {
			util.Fatal().Err(err).Msg("failed to load secrets")
		}
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	util.Info().Str("backend", c.StoreBackend).Msg("starting pingnote")

	store, err := db.Shared(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to open note store")
	}

	hub := live.New(c.LiveBuffer)
	note := svc.NewNote(store, hub, c)
	server := api.NewServer(c, note, store)

	sweeper := svc.NewSweeper(store, c.SweepEvery())
	sweeper.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if sqlStore, ok := store.(*db.SQL); ok {
		g.Go(func() error {
			sqlStore.StartWALMaintenance(gctx, 0)
			return nil
		})
	}
	g.Go(func() error {
		util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// live streams are closed first so Shutdown is not held open by them
		note.Shutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("server shutdown error")
		}
		sweeper.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("exiting")
	}
	if err := db.ResetShared(); err != nil {
		util.Error().Err(err).Msg("store close error")
	}
	util.Info().Msg("shutdown complete")
}

// resolveSecrets replaces the store credentials with values from the
// configured secrets provider.
func resolveSecrets(ctx context.Context, c *cfg.Cfg) error {
	adapter, err := secrets.NewAdapter(ctx)
	if err != nil {
		return err
	}
	cache := secrets.NewCache(adapter, 5*time.Minute)
	defer cache.Stop()

	switch c.StoreBackend {
	case cfg.BackendRedis:
		v, err := cache.GetSecret(ctx, "REDIS_PASSWORD")
		if err != nil {
			return errors.Wrap(err, "REDIS_PASSWORD")
		}
		c.RedisPassword.Wipe()
		c.RedisPassword = cfg.NewSecret(v)
	case cfg.BackendPostgres:
		v, err := cache.GetSecret(ctx, "DATABASE_URL")
		if err != nil {
			return errors.Wrap(err, "DATABASE_URL")
		}
		c.DatabaseURL.Wipe()
		c.DatabaseURL = cfg.NewSecret(v)
	}
	if c.MetricsUser != "" {
		if v, err := cache.GetSecret(ctx, "METRICS_PASS"); err == nil {
			c.MetricsPass.Wipe()
			c.MetricsPass = cfg.NewSecret(v)
		}
	}
	return nil
}

func healthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/ready")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
