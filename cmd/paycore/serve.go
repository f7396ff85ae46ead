package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/paycore/pkg/api"
	"github.com/Mindburn-Labs/paycore/pkg/config"
	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
	"github.com/Mindburn-Labs/paycore/pkg/node"
	"github.com/Mindburn-Labs/paycore/pkg/observability"
	"github.com/Mindburn-Labs/paycore/pkg/sponsor"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openLog opens the operation log named by cfg. The returned closer is
// never nil.
func openLog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kernel.TotalOrderLog, func() error, error) {
	noop := func() error { return nil }
	var (
		driver string
		dsn    string
	)
	switch cfg.DBDriver {
	case "memory":
		logger.Warn("operation log is in memory; state is lost on restart")
		return kernel.NewInMemoryTotalOrderLog(), noop, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, noop, fmt.Errorf("failed to create data dir: %w", err)
		}
		driver, dsn = "sqlite", cfg.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "paycore.db")
		}
	case "postgres":
		driver, dsn = "postgres", cfg.DatabaseURL
	default:
		return nil, noop, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One connection keeps sqlite writes serialized with the sequencer.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, noop, fmt.Errorf("failed to reach %s: %w", driver, err)
	}
	log := kernel.NewSQLTotalOrderLog(db)
	if err := log.Init(ctx); err != nil {
		_ = db.Close()
		return nil, noop, err
	}
	logger.Info("operation log opened", "driver", driver)
	return log, db.Close, nil
}

func keyAddress(name, key string) (kernel.Address, error) {
	if key == "" {
		return "", fmt.Errorf("policy keys.%s is required", name)
	}
	pub, err := crypto.DecodeMultibaseKey(key)
	if err != nil {
		return "", fmt.Errorf("policy keys.%s: %w", name, err)
	}
	return crypto.AddressFromKey(pub), nil
}

func nodeConfig(p *config.Policy, logger *slog.Logger) (node.Config, error) {
	owner, err := keyAddress("owner", p.Keys.Owner)
	if err != nil {
		return node.Config{}, err
	}
	executor, err := keyAddress("executor", p.Keys.Executor)
	if err != nil {
		return node.Config{}, err
	}
	if _, err := crypto.DecodeMultibaseKey(p.Keys.Attester); err != nil {
		return node.Config{}, fmt.Errorf("policy keys.attester: %w", err)
	}
	return node.Config{
		Owner:        owner,
		Executor:     executor,
		Attester:     p.Keys.Attester,
		MaxDuration:  p.Escrow.MaxDuration,
		RevokeWindow: p.Escrow.RevokeWindow,
		GracePeriod:  p.Governor.GracePeriod,
		Policy: sponsor.Policy{
			PerOpCap:   p.Sponsor.PerOpCap,
			PerDayCap:  p.Sponsor.PerDayCap,
			MinReserve: p.Sponsor.MinReserve,
		},
		BaseCost:    p.Relay.BaseCost,
		PerCallCost: p.Relay.PerCallCost,
		Logger:      logger,
	}, nil
}

func newTelemetry(ctx context.Context, endpoint string) (*observability.Provider, error) {
	tc := observability.DefaultConfig()
	if endpoint != "" {
		tc.Enabled = true
		tc.OTLPEndpoint = endpoint
		tc.Insecure = strings.HasPrefix(endpoint, "localhost") || strings.HasPrefix(endpoint, "127.0.0.1")
	}
	return observability.New(ctx, tc)
}

func runServer(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	ncfg, err := nodeConfig(policy, logger)
	if err != nil {
		return err
	}

	opLog, closeLog, err := openLog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	n, err := node.New(ncfg, opLog)
	if err != nil {
		return err
	}
	replayed, err := n.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	logger.Info("state rebuilt from log", "entries", replayed, "event_head", n.Events().Head())

	telemetry, err := newTelemetry(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	var limiter api.LimiterStore = api.NewMemoryLimiterStore()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		store := api.NewRedisLimiterStore(client)
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("redis limiter: %w", err)
		}
		limiter = store
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	}

	auth, err := api.NewAuthenticator(policy.Keys.Owner, policy.Keys.Executor)
	if err != nil {
		return err
	}
	server, err := api.NewServer(n, api.Options{
		Auth:       auth,
		Logger:     logger,
		Telemetry:  telemetry,
		Limiter:    limiter,
		RatePolicy: api.RatePolicy{RPS: cfg.RateRPS, Burst: cfg.RateBurst},
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("paycore listening", "addr", cfg.Addr, "owner", ncfg.Owner, "executor", ncfg.Executor)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
