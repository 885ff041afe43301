// Package bootstrap holds the dependency-construction helpers shared by
// cmd/ingress and cmd/worker: config loading, Redis dialing, and broker
// backend selection. Each composition root still wires its own component
// graph explicitly (spec §9's no-DI-container design note) — this package
// only centralizes the handful of steps both roles perform identically.
package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/internal/broker/kafkabroker"
	"github.com/hookrelay/hookrelay/internal/broker/natsbroker"
	"github.com/hookrelay/hookrelay/internal/broker/redisbroker"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/logger"
)

// Flags are the CLI overrides common to both binaries.
type Flags struct {
	ConfigFile string
	Debug      bool
}

// ParseFlags parses os.Args[1:] (via flag.CommandLine) for the --config and
// --debug flags every composition root accepts.
func ParseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigFile, "config", "", "path to a YAML config file")
	flag.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	flag.Parse()
	return f
}

// LoadConfig builds a *config.Manager from the layered default/env/file
// source chain and binds it into the returned context, mirroring the
// corpus's own defaults->env->file->CLI precedence order.
func LoadConfig(ctx context.Context, f Flags) (context.Context, *config.Manager, error) {
	sources := []config.Source{
		config.NewDefaultProvider(),
		config.NewEnvProvider(),
	}
	if f.ConfigFile != "" {
		sources = append(sources, config.NewYAMLProvider(f.ConfigFile))
	}

	mgr := config.NewManager(nil)
	if _, err := mgr.Load(ctx, sources...); err != nil {
		return ctx, nil, fmt.Errorf("bootstrap: load config: %w", err)
	}
	return config.ContextWithManager(ctx, mgr), mgr, nil
}

// SetupLogger builds a Logger from logger.DefaultConfig, raised to debug
// level when debug is set, and binds it into ctx.
func SetupLogger(ctx context.Context, debug bool) context.Context {
	cfg := logger.DefaultConfig()
	if debug {
		cfg.Level = logger.DebugLevel
	}
	log := logger.NewLogger(cfg)
	return logger.ContextWithLogger(ctx, log)
}

// DialRedis connects to the shared KV store backing C10 idempotency (and,
// for the redis broker backend, C6/C12 transport), pinging once so a
// misconfigured address fails fast at startup rather than on first use.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bootstrap: ping redis at %s: %w", addr, err)
	}
	return client, nil
}

// Broker is the union of C6's Publisher/Subscriber contract plus C14's
// connectivity probe; every adapter (natsbroker/kafkabroker/redisbroker)
// satisfies it.
type Broker interface {
	broker.Publisher
	broker.Subscriber
	Ping(ctx context.Context) error
}

// DialBroker selects and constructs the Publisher/Subscriber adapter named
// by cfg.Backend. redisClient is reused for the "redis" backend so the
// process holds a single connection pool to Redis regardless of how many
// components need one.
func DialBroker(ctx context.Context, cfg config.BrokerConfig, redisClient redis.UniversalClient) (Broker, error) {
	switch cfg.Backend {
	case "", "nats":
		servers := cfg.BootstrapServers
		if len(servers) == 0 {
			servers = []string{nats.DefaultURL}
		}
		b, err := natsbroker.New(ctx, servers)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: dial nats broker: %w", err)
		}
		return b, nil
	case "kafka":
		if len(cfg.BootstrapServers) == 0 {
			return nil, fmt.Errorf("bootstrap: kafka backend requires broker.bootstrap_servers")
		}
		return kafkabroker.New(cfg.BootstrapServers, cfg.ConsumerGroupID), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("bootstrap: redis backend requires a dialed redis client")
		}
		return redisbroker.New(redisClient, cfg.ConsumerGroupID), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown broker backend %q", cfg.Backend)
	}
}

// ListenAddr joins host and port the way net.JoinHostPort expects, used by
// both composition roots to build the HTTP listener address.
func ListenAddr(cfg config.ServerConfig) string {
	return net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
}
