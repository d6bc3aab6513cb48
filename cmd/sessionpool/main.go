package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/session-pool/internal/api"
	"github.com/LeventeLantos/session-pool/internal/breaker"
	"github.com/LeventeLantos/session-pool/internal/cache"
	"github.com/LeventeLantos/session-pool/internal/config"
	"github.com/LeventeLantos/session-pool/internal/driver/webhook"
	"github.com/LeventeLantos/session-pool/internal/events"
	"github.com/LeventeLantos/session-pool/internal/pool"
	"github.com/LeventeLantos/session-pool/internal/queue"
	"github.com/LeventeLantos/session-pool/internal/ratelimit"
	"github.com/LeventeLantos/session-pool/internal/repo"
	"github.com/LeventeLantos/session-pool/internal/scheduler"
	"github.com/LeventeLantos/session-pool/internal/snapshot"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	slog.SetDefault(newLogger(cfg.Log.Level))

	if err := run(cfg); err != nil {
		slog.Error("session pool exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	chats, closeChats, err := buildChatCache(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeChats)

	deadLetters, closeDB, err := buildDeadLetterRepo(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeDB)

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}

	gateway := webhook.NewGateway(cfg.Driver.GatewayURL)

	mgr, err := pool.New(pool.Config{
		MaxSessions:       cfg.Pool.MaxSessions,
		ReconnectDelay:    cfg.Pool.ReconnectDelay,
		ReconnectMaxDelay: cfg.Pool.ReconnectMaxDelay,
		HealthInterval:    cfg.Pool.HealthInterval,
		AutoReconnect:     cfg.Pool.AutoReconnect,
	}, gateway.New,
		pool.WithQueue(queue.New(
			queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
			queue.WithDeadLetterSink(deadLetters),
		)),
		pool.WithSnapshotStore(snapshot.NewFileStore(cfg.Pool.SnapshotPath)),
		pool.WithChatCache(chats),
		pool.WithPublisher(publisher),
		pool.WithBreakerConfig(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.CallTimeout,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}),
	)
	if err != nil {
		_ = publisher.Close()
		return fmt.Errorf("create pool: %w", err)
	}

	if cfg.Pool.RestoreOnStart {
		if _, err := mgr.RestorePersistedSessions(ctx); err != nil {
			slog.Error("restore on start failed", "error", err)
		}
	}
	mgr.StartHealthCheck()

	limits := api.Limits{
		API:            ratelimit.New(cfg.RateLimit.Max, cfg.RateLimit.Window),
		Send:           ratelimit.New(cfg.RateLimit.SendMax, time.Minute),
		TrustedProxies: cfg.RateLimit.TrustedProxies,
	}
	cleanup, err := scheduler.New("ratelimit-cleanup", cfg.RateLimit.Window, func(context.Context) {
		limits.API.Cleanup()
		limits.Send.Cleanup()
	})
	if err != nil {
		_ = mgr.Shutdown(context.Background())
		return err
	}
	cleanup.Start()
	defer cleanup.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(api.NewHandler(mgr, deadLetters, gateway), limits)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("session pool listening",
			"addr", cfg.Server.Address,
			"gateway", cfg.Driver.GatewayURL,
			"max_sessions", cfg.Pool.MaxSessions,
			"redis", cfg.Redis.Enabled,
			"postgres", cfg.Database.PostgresURL != "",
			"amqp", cfg.AMQP.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("pool shutdown failed", "error", err)
	}
	return runErr
}

func buildChatCache(ctx context.Context, cfg *config.Config) (cache.ChatCache, func(), error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(cfg.Cache.ChatsTTL), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return cache.NewRedisCache(rdb, cfg.Cache.ChatsTTL), func() { _ = rdb.Close() }, nil
}

func buildDeadLetterRepo(ctx context.Context, cfg *config.Config) (repo.DeadLetterRepository, func(), error) {
	if cfg.Database.PostgresURL == "" {
		return repo.NewMemoryDeadLetterRepo(1000), func() {}, nil
	}

	db, err := repo.OpenPostgres(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	r := repo.NewPostgresDeadLetterRepo(db)
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure dead letter schema: %w", err)
	}
	return r, func() { _ = db.Close() }, nil
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	if !cfg.AMQP.Enabled {
		return events.LogPublisher{}, nil
	}
	return events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
