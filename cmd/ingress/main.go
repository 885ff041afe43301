// Command ingress runs the HTTP producer role: it accepts webhook requests,
// runs them through C1-C8, and publishes accepted envelopes to the broker.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/hookrelay/hookrelay/internal/bootstrap"
	"github.com/hookrelay/hookrelay/internal/health"
	"github.com/hookrelay/hookrelay/internal/idempotency"
	"github.com/hookrelay/hookrelay/internal/ingress"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/ratelimit"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := bootstrap.ParseFlags()
	ctx, mgr, err := bootstrap.LoadConfig(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close(context.Background()) }()
	ctx = bootstrap.SetupLogger(ctx, flags.Debug)
	log := logger.FromContext(ctx)
	cfg := config.FromContext(ctx)

	redisClient, err := bootstrap.DialRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	brk, err := bootstrap.DialBroker(ctx, cfg.Broker, redisClient)
	if err != nil {
		return err
	}
	defer func() { _ = brk.Close() }()

	idempStore := idempotency.New(
		redisClient,
		cfg.Idempotency.LockDuration,
		cfg.Idempotency.ProcessedTTL,
		cfg.Idempotency.FailureTTL,
	)

	metricsReg, err := metrics.New(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("ingress: building metrics registry: %w", err)
	}
	defer func() { _ = metricsReg.Shutdown(context.Background()) }()

	handler := ingress.New(cfg, brk, idempStore, metricsReg)
	defer func() { _ = handler.Close(context.Background()) }()
	handler.SetRateLimiterFactory(rateLimiterFactory(redisClient, log))

	prober := health.New(brk, handler, redisClient)

	engine := gin.New()
	engine.Use(gin.Recovery())
	handler.Register(engine)
	prober.Register(engine)
	if cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, gin.WrapH(metricsReg.ExporterHandler()))
	}

	addr := bootstrap.ListenAddr(cfg.Server)
	srv := &http.Server{
		Addr:         addr,
		Handler:      engine,
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ReadTimeout:  orDefault(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout: orDefault(cfg.Server.WriteTimeout, 10*time.Second),
		IdleTimeout:  orDefault(cfg.Server.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ingress: starting HTTP server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ingress: http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("ingress: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orDefault(cfg.Server.ShutdownTimeout, 15*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ingress: graceful shutdown failed: %w", err)
	}
	log.Info("ingress: shutdown complete")
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// rateLimiterFactory picks between the in-process token bucket and the
// Redis-backed distributed limiter per provider, keyed by that provider's
// effective rate_limit.distributed flag. It closes over the process's Redis
// client and logger; each provider's effective RateLimitConfig arrives as
// the argument. If the distributed limiter cannot be built, it logs the
// error and returns the in-process limiter.
func rateLimiterFactory(redisClient redis.UniversalClient, log logger.Logger) func(config.RateLimitConfig) ratelimit.Allower {
	return func(rcfg config.RateLimitConfig) ratelimit.Allower {
		if !rcfg.Distributed {
			return ratelimit.New(rcfg)
		}
		dl, err := ratelimit.NewDistributed(rcfg, redisClient)
		if err != nil {
			log.Error("ingress: falling back to in-process rate limiter", "error", err)
			return ratelimit.New(rcfg)
		}
		return dl
	}
}
