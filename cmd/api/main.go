package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

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
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	smtp := transport.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SenderName, cfg.SenderAddress)
	renderer := template.NewRenderer(st, template.ParsePolicy(cfg.PlaceholderPolicy))
	augmenter := augment.New(cfg.BaseURL, cfg.TrackingEnabled)

	svc := delivery.NewService(smtp, renderer, augmenter, st, cfg.MaxRetries)
	dispatcher := delivery.NewDispatcher(svc, cfg.BatchSize, time.Duration(cfg.BatchDelayMs)*time.Millisecond)

	// The durable queue is preferred; when redis is down we degrade to inline
	// sends rather than refusing traffic.
	var submitter queue.Submitter
	var admin httpapi.QueueAdmin
	if cfg.UseEmailQueue {
		rdb, err := queue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("redis unavailable, falling back to inline sends", "err", err)
		} else {
			rq := queue.NewRedisQueue(rdb)
			submitter, admin = rq, rq
			defer rdb.Close()
		}
	}
	if submitter == nil {
		submitter = queue.NewInlineQueue(svc, dispatcher)
	}

	s := httpapi.New()
	s.Mux.Use(httpapi.Metrics(observability.APIRequests))
	api := &httpapi.API{
		Queue:   submitter,
		Admin:   admin,
		Svc:     svc,
		Checker: smtp,
		Store:   st,
		IDGen:   uuid.NewString,
	}
	api.Register(s.Mux)

	s.Mux.Handle("/metrics", promhttp.Handler())
	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := httpapi.Logging(s.Mux)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
