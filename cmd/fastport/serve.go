package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mohammed-fawaz-cp/fastport/internal/admin"
	"github.com/mohammed-fawaz-cp/fastport/internal/broker"
	"github.com/mohammed-fawaz-cp/fastport/internal/clock"
	"github.com/mohammed-fawaz-cp/fastport/internal/config"
	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/metrics"
	"github.com/mohammed-fawaz-cp/fastport/internal/notify"
	"github.com/mohammed-fawaz-cp/fastport/internal/session"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage/memory"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage/postgres"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage/redis"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage/sqlite"
	"github.com/mohammed-fawaz-cp/fastport/internal/transport"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var pushGatewayURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogger(cfg.LogLevel, cfg.LogFormat)
			return serve(cfg, pushGatewayURL)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file")
	cmd.Flags().StringVar(&pushGatewayURL, "push-gateway", "", "offline push gateway URL (empty disables pushes)")
	return cmd
}

func serve(cfg config.Config, pushGatewayURL string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	store, err := openStore(initCtx, cfg)
	if err != nil {
		return err
	}
	if err := store.Init(initCtx); err != nil {
		// Storage init failure is fatal at boot.
		return fmt.Errorf("storage init failed: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	emit := events.NewLog(log.Logger)
	clk := clock.System()
	registry := session.NewRegistry(store, clk, emit)

	var notifier notify.Notifier = notify.Nop{}
	if pushGatewayURL != "" {
		notifier = notify.NewGateway(pushGatewayURL, log.Logger, notify.GatewayOpts{})
	}

	b := broker.New(broker.Options{
		Store:           store,
		Registry:        registry,
		Clock:           clk,
		Emitter:         emit,
		Metrics:         m,
		Notifier:        notifier,
		Logger:          log.Logger,
		CleanupInterval: time.Duration(cfg.CleanupIntervalSeconds) * time.Second,
	})
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Close()

	r := mux.NewRouter()
	r.Handle("/ws", transport.NewHandler(b, log.Logger, cfg.MaxPayloadSize))
	r.PathPrefix("/v1").Handler(admin.New(registry, cfg.APIRateLimit, log.Logger))
	r.Handle("/metrics", m.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("db", cfg.DBType).Msg("fastport listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.DBType {
	case config.DBMemory:
		return memory.New(), nil
	case config.DBPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.DBSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	case config.DBRedis:
		return redis.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown db type %q", cfg.DBType)
	}
}
