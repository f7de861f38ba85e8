package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2ee-keys/internal/config"
	"e2ee-keys/internal/lock"
	"e2ee-keys/internal/notify"
	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/observability/metrics"
	"e2ee-keys/internal/pairing"
	"e2ee-keys/internal/service"
	"e2ee-keys/internal/store"
	httptransport "e2ee-keys/internal/transport/http"
	"e2ee-keys/internal/worker"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.NewLogger(logging.Config{
		ServiceName: "keys",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("keys")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("keys service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("keys service stopped gracefully")
}

func run(ctx context.Context, cfg config.Config) error {
	db, err := store.Open(store.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL})
	if err != nil {
		return err
	}
	st := store.New(db)
	if cfg.AutoMigrate {
		if err := st.AutoMigrate(ctx); err != nil {
			return err
		}
	}

	var rdb *redis.Client
	if cfg.RotationLock == "redis" || cfg.Notify == "redis" {
		if rdb, err = lock.NewRedisClient(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer rdb.Close()
	}

	var locker lock.Locker = lock.NewMemory()
	switch cfg.RotationLock {
	case "redis":
		locker = lock.NewRedis(rdb, 0)
	case "postgres":
		if cfg.DatabaseDriver != "postgres" {
			slog.Warn("postgres rotation lock needs the postgres driver, using memory", "driver", cfg.DatabaseDriver)
			break
		}
		pool, err := store.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		locker = lock.NewPostgres(pool)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify == "redis" {
		notifier = notify.NewRedis(rdb)
	}

	signer, err := pairing.NewFromBase64(cfg.PairingSigningKey, cfg.PairingKeyID, cfg.PairingIssuer)
	if err != nil {
		return err
	}
	if cfg.PairingSigningKey == "" {
		slog.Warn("PAIRING_SIGNING_KEY not set, using an ephemeral key; pairing tokens will not survive a restart")
	}

	svc := service.New(st, service.Options{
		KeyBits:         cfg.KeyBits,
		KeyShareTTL:     cfg.KeyShareTTL,
		BulkConcurrency: cfg.BulkConcurrency,
		LockTimeout:     cfg.RotationLockTimeout,
		PairingTTL:      cfg.PairingTTL,
		Locker:          locker,
		Notifier:        notifier,
		Pairing:         signer,
	})

	report := svc.Health.SelfTest(ctx)
	if !report.Passed {
		for _, c := range report.Checks {
			if !c.Passed {
				slog.Error("self test check failed", "check", c.Name, "error", c.Error)
			}
		}
		return errors.New("self test failed")
	}

	janitor := worker.NewJanitor(svc.Sync, svc.Rotation, cfg.JanitorInterval, cfg.RotationMaxAge)
	go janitor.Run(ctx)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httptransport.NewRouter(svc, st, httptransport.Options{
			RequestTimeout: cfg.RequestTimeout,
			CORSOrigins:    cfg.CORSOrigins,
			RateLimit:      cfg.RateLimit,
			Pairing:        signer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("keys service listening",
			"addr", srv.Addr,
			"driver", cfg.DatabaseDriver,
			"rotation_lock", cfg.RotationLock,
			"notify", cfg.Notify,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
