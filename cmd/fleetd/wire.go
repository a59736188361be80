package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"busfleet/internal/config"
	"busfleet/internal/log"
	"busfleet/internal/realtime"
	"busfleet/internal/store"
)

// setup loads configuration and initializes logging.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	return cfg, nil
}

// openStore returns Postgres when DATABASE_URL is set and the seeded in-memory
// store otherwise. The returned close func is never nil.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	if cfg.DatabaseURL == "" {
		m := store.NewMemory()
		if cfg.SeedFile != "" {
			seed, err := store.LoadSeedFile(cfg.SeedFile)
			if err != nil {
				return nil, nil, err
			}
			if err := seed.Apply(m, cfg.Location); err != nil {
				return nil, nil, fmt.Errorf("apply seed: %w", err)
			}
			log.Logger.Info().Str("file", cfg.SeedFile).Int("schedules", len(seed.Schedules)).Msg("seed loaded")
		}
		log.Warn("DATABASE_URL not set; using in-memory store")
		return m, func() error { return nil }, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DBMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pg, pg.Close, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// openBridge builds the cross-instance transport named by cfg.Bridge.
func openBridge(cfg *config.Config, rdb *redis.Client) (realtime.Bridge, error) {
	switch cfg.Bridge {
	case "", "memory":
		return realtime.NewMemoryBridge(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis bridge requires REDIS_URL")
		}
		return realtime.NewRedisBridge(rdb, cfg.BridgeChannel), nil
	case "nats":
		nc, err := realtime.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		return realtime.NewNATSBridge(nc, cfg.BridgeChannel), nil
	}
	return nil, fmt.Errorf("unknown bridge %q", cfg.Bridge)
}
