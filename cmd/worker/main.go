// Command worker runs the broker consumer role: it subscribes to the
// configured destinations and runs each delivery through C13's
// idempotency/signature/processor state machine.
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

	"github.com/hookrelay/hookrelay/internal/bootstrap"
	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/internal/consumer"
	"github.com/hookrelay/hookrelay/internal/dlq"
	"github.com/hookrelay/hookrelay/internal/health"
	"github.com/hookrelay/hookrelay/internal/idempotency"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/processor"
	"github.com/hookrelay/hookrelay/internal/webhook"
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
		return fmt.Errorf("worker: building metrics registry: %w", err)
	}
	defer func() { _ = metricsReg.Shutdown(context.Background()) }()

	dlqWriter := dlq.New(brk, cfg.DLQ.Destination, buildDLQFilters(cfg), metricsReg)

	host, err := processor.New(cfg, idempStore, loggingSinkProcessor(log), processor.NopHooks{}, dlqWriter, metricsReg, nil)
	if err != nil {
		return fmt.Errorf("worker: building processor host: %w", err)
	}

	destinations := cfg.Consumer.Destinations
	if len(destinations) == 0 {
		destinations = []string{broker.ResolveDestination(cfg.Broker, "")}
	}
	runtime := consumer.New(brk, host.Handle, destinations)
	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("worker: starting consumer runtime: %w", err)
	}
	defer func() { _ = runtime.Close() }()

	prober := health.New(brk, noBreaker{}, redisClient)
	engine := gin.New()
	engine.Use(gin.Recovery())
	prober.Register(engine)
	if cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, gin.WrapH(metricsReg.ExporterHandler()))
	}

	addr := bootstrap.ListenAddr(cfg.Server)
	srv := &http.Server{
		Addr:        addr,
		Handler:     engine,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("worker: starting health/metrics server", "address", addr, "destinations", destinations)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("worker: http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("worker: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orDefault(cfg.Server.ShutdownTimeout, 15*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("worker: graceful shutdown failed: %w", err)
	}
	log.Info("worker: shutdown complete")
	return nil
}

// loggingSinkProcessor is the worker binary's default Processor: it logs
// the envelope and reports Success. Operators embedding this framework in
// their own binary replace this with real business logic; this exists so
// `go run ./cmd/worker` is runnable out of the box against any broker
// backend.
func loggingSinkProcessor(log logger.Logger) processor.Processor {
	return processor.ProcessorFunc(func(_ context.Context, envelope webhook.Envelope) processor.Result {
		log.Info("worker: processed envelope",
			"event_id", envelope.EventID,
			"provider", envelope.ProviderName,
			"payload_size", len(envelope.Payload),
		)
		return processor.Result{Outcome: processor.Success}
	})
}

// noBreaker reports no open circuit breaker: the worker role holds no
// outbound resilience.Decorator of its own (that lives on the ingress
// publish path), so its readiness probe only covers broker/KV connectivity.
type noBreaker struct{}

func (noBreaker) BreakerOpen() bool { return false }

func buildDLQFilters(cfg *config.Config) map[string]*dlq.Filter {
	filters := make(map[string]*dlq.Filter)
	for name, override := range cfg.Providers {
		if override.DLQFilter == "" {
			continue
		}
		f, err := dlq.NewFilter(override.DLQFilter)
		if err != nil {
			continue
		}
		filters[name] = f
	}
	return filters
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
