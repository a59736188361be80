package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"busfleet/internal/api"
	"busfleet/internal/assign"
	"busfleet/internal/attendance"
	"busfleet/internal/auth"
	"busfleet/internal/config"
	"busfleet/internal/events"
	"busfleet/internal/heartbeat"
	"busfleet/internal/log"
	"busfleet/internal/metrics"
	"busfleet/internal/realtime"
	"busfleet/internal/scheduler"
	"busfleet/internal/trip"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket gateway, scheduler and heartbeat sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := log.WithComponent("fleetd")
	metrics.RegisterDefault()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = openRedis(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer rdb.Close()
	}
	bridge, err := openBridge(cfg, rdb)
	if err != nil {
		return err
	}
	defer bridge.Close()

	verifier := auth.NewVerifier(cfg.AuthMode, cfg.AuthHMACSecret)
	monitor := heartbeat.NewMonitor()
	hub := realtime.NewHub(realtime.Config{
		Directory: st,
		Verifier:  verifier,
		Bridge:    bridge,
		Monitor:   monitor,
		GPSRate:   rate.Limit(cfg.GPSRatePerSec),
		GPSBurst:  cfg.GPSBurst,
	})
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("subscribe bridge: %w", err)
	}
	defer hub.Close()

	// Domain events flow one way: producers publish, the relay fans out to rooms.
	bus := events.NewBus()
	bus.Subscribe(realtime.NewRelay(hub).Handle)

	sweeper := heartbeat.NewSweeper(monitor, bus, cfg.HeartbeatStaleAfter, cfg.HeartbeatSweepInterval)
	sweeper.Start()
	defer close(sweeper.Stop)

	schedCfg := scheduler.Config{
		Matcher:  assign.NewMatcher(cfg.MatchThresholdDeg),
		Location: cfg.Location,
		RunAt:    cfg.SchedulerRunAt,
	}
	if cfg.SchedulerLock && rdb != nil {
		schedCfg.Locker = scheduler.NewRedisLocker(rdb)
	}
	sched := scheduler.New(st, schedCfg)
	if cfg.SchedulerEnabled {
		sched.Start()
		defer close(sched.Stop)
	}

	srv := api.NewServer(api.Server{
		Store:      st,
		Trips:      trip.NewMachine(st, bus),
		Scheduler:  sched,
		Attendance: attendance.NewService(st, bus),
		Hub:        hub,
		Monitor:    monitor,
		Auth:       verifier,
		StaleAfter: cfg.HeartbeatStaleAfter,
		Settings:   cfg.Public(),
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Str("bridge", cfg.Bridge).Bool("scheduler", cfg.SchedulerEnabled).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
