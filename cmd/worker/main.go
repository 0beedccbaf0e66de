package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailq/internal/augment"
	"mailq/internal/config"
	"mailq/internal/delivery"
	"mailq/internal/httpapi"
	"mailq/internal/logging"
	"mailq/internal/observability"
	"mailq/internal/queue"
	"mailq/internal/store/pg"
	"mailq/internal/template"
	"mailq/internal/transport"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	rdb, err := queue.Connect(startupCtx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis not reachable", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	observability.Register(prometheus.DefaultRegisterer)

	// health server (liveness + readiness)
	healthMux := httpapi.New().Mux
	healthMux.Handle("/metrics", promhttp.Handler())
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error { return rdb.Ping(c).Err() },
	))

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(healthMux),
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// SMTP + limiter/breaker + delivery service
	smtp := transport.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SenderName, cfg.SenderAddress)
	limiter := rate.NewLimiter(rate.Limit(cfg.SMTPRPSPerPod), cfg.SMTPBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	renderer := template.NewRenderer(st, template.ParsePolicy(cfg.PlaceholderPolicy))
	augmenter := augment.New(cfg.BaseURL, cfg.TrackingEnabled)

	svc := delivery.NewService(smtp, renderer, augmenter, st, cfg.MaxRetries)
	svc.Limiter = limiter
	svc.Breaker = cb
	dispatcher := delivery.NewDispatcher(svc, cfg.BatchSize, time.Duration(cfg.BatchDelayMs)*time.Millisecond)

	rq := queue.NewRedisQueue(rdb)
	worker := queue.NewWorker(rq, svc, dispatcher, cfg.WorkerConcurrency, cfg.QueueMaxAttempts)
	worker.StalledAfter = cfg.QueueStalledAfter

	runErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker draining queue", "concurrency", cfg.WorkerConcurrency)
		runErrCh <- worker.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker run failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-runErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for run loop")
	}
}
