package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GetStream/realtime-fanout/api"
	"github.com/GetStream/realtime-fanout/auth"
	"github.com/GetStream/realtime-fanout/chat"
	"github.com/GetStream/realtime-fanout/config"
	"github.com/GetStream/realtime-fanout/fanout"
	"github.com/GetStream/realtime-fanout/gateway"
	"github.com/GetStream/realtime-fanout/metrics"
	"github.com/GetStream/realtime-fanout/postgres"
	"github.com/GetStream/realtime-fanout/ratelimit"
	"github.com/GetStream/realtime-fanout/redis"
	"github.com/GetStream/realtime-fanout/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Could not load configuration", "error", err.Error())
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("Server shut down")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	proxies, err := cfg.TrustedProxies()
	if err != nil {
		return err
	}

	rdb, err := redis.Connect(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.Store.Timeout,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	pg, err := postgres.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.CreateSchema(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	policies := cfg.Policies()
	limiter := ratelimit.New(rdb, logger,
		ratelimit.WithTimeout(cfg.Store.Timeout),
		ratelimit.WithMetrics(m),
	)
	verifier := auth.NewVerifier([]byte(cfg.Auth.Secret))
	registry := session.New()

	publisher := fanout.NewPublisher(rdb, logger,
		fanout.WithPublishTimeout(cfg.Store.Timeout),
		fanout.WithPublisherMetrics(m),
	)
	svc := chat.NewService(pg, publisher, logger)

	gw := gateway.New(gateway.Options{
		Registry:       registry,
		Auth:           verifier,
		Limiter:        limiter,
		Policies:       policies,
		Presence:       rdb,
		Chat:           svc,
		Logger:         logger,
		Metrics:        m,
		SendBuffer:     cfg.Gateway.SendBuffer,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	})

	subOpts := []fanout.SubscriberOption{fanout.WithSubscriberMetrics(m)}
	if cfg.Fanout.TopicDelivery {
		subOpts = append(subOpts, fanout.WithTopicDelivery())
	}
	sub := fanout.NewSubscriber(rdb, pg, gw, registry, logger, subOpts...)

	a := &api.API{
		Logger:         logger,
		Chat:           svc,
		Presence:       rdb,
		Auth:           verifier,
		Limiter:        limiter,
		Policies:       policies,
		Gateway:        gw,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:         map[string]api.Pinger{"redis": rdb, "postgres": pg},
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		TrustedProxies: proxies,
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errc := make(chan error, 2)
	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	go func() {
		if err := sub.Run(subCtx); err != nil {
			errc <- err
		}
	}()
	go func() {
		logger.Info("Listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Could not shut down HTTP server", "error", err.Error())
	}
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Error("Could not close gateway", "error", err.Error())
	}
	cancelSub()
	return runErr
}
