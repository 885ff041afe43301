// Package config provides the typed, environment-overridable configuration
// surface shared by the ingress and worker roles (component C17).
package config

import "time"

// Config is the root configuration tree. Every field has a typed default
// (see Default()) and may be overridden by an environment variable whose
// name is "HOOKRELAY_" plus the dotted path upper-cased, with "__" as the
// path separator, e.g. "server.port" -> "HOOKRELAY_SERVER__PORT".
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Broker      BrokerConfig      `koanf:"broker"`
	Redis       RedisConfig       `koanf:"redis"`
	Validator   ValidatorConfig   `koanf:"validator"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit"`
	Compression CompressionConfig `koanf:"compression"`
	Batching    BatchingConfig    `koanf:"batching"`
	Resilience  ResilienceConfig  `koanf:"resilience"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	DLQ         DLQConfig         `koanf:"dlq"`
	Consumer    ConsumerConfig    `koanf:"consumer"`
	Tracing     TracingConfig     `koanf:"tracing"`
	Metrics     MetricsConfig     `koanf:"metrics"`

	// Providers holds per-provider overrides keyed by the lower-cased
	// provider name. Any field left at its zero value falls back to the
	// corresponding top-level default.
	Providers map[string]ProviderOverride `koanf:"providers"`
}

// ServerConfig configures the HTTP listener shared by ingress and health
// probes.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// BrokerConfig resolves destination names (§6.2) and selects the broker
// backend adapter.
type BrokerConfig struct {
	// Backend selects the Publisher/Subscriber implementation: "nats",
	// "kafka", or "redis".
	Backend           string   `koanf:"backend"`
	BootstrapServers  []string `koanf:"bootstrap_servers"`
	Prefix            string   `koanf:"prefix"`
	Suffix            string   `koanf:"suffix"`
	CustomDestination string   `koanf:"custom_destination"`
	UseProviderAsTopic bool    `koanf:"use_provider_as_topic"`
	ConsumerGroupID   string   `koanf:"consumer_group_id"`
	Destinations      []string `koanf:"destinations"`
}

// RedisConfig configures the shared KV store backing idempotency and
// optional rate-limit state.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// ValidatorConfig configures component C1.
type ValidatorConfig struct {
	Enabled             bool     `koanf:"enabled"`
	ProviderNamePattern string   `koanf:"provider_name_pattern"`
	MaxPayloadSize      int64    `koanf:"max_payload_size"`
	RequireContentType  bool     `koanf:"require_content_type"`
	AllowedContentTypes []string `koanf:"allowed_content_types"`
	// IPAllowlist maps provider name to a list of exact IPs or CIDR ranges.
	// An absent or empty entry means "allow all" for that provider.
	IPAllowlist map[string][]string `koanf:"ip_allowlist"`
}

// RateLimitConfig configures component C2. Two independent buckets are
// derived from this: one keyed by provider, one keyed by source IP.
type RateLimitConfig struct {
	Enabled            bool          `koanf:"enabled"`
	LimitForPeriod     int           `koanf:"limit_for_period"`
	LimitRefreshPeriod time.Duration `koanf:"limit_refresh_period"`
	TimeoutDuration    time.Duration `koanf:"timeout_duration"`
	// Distributed selects the Redis-backed fixed-window limiter shared
	// across every ingress replica instead of the default in-process
	// token bucket, for deployments running more than one instance.
	Distributed bool `koanf:"distributed"`
}

// CompressionConfig configures component C4.
type CompressionConfig struct {
	Enabled   bool   `koanf:"enabled"`
	MinSize   int    `koanf:"min_size"`
	Algorithm string `koanf:"algorithm"` // gzip | zstd
}

// BatchingConfig configures component C5.
type BatchingConfig struct {
	Enabled       bool          `koanf:"enabled"`
	MaxBatchSize  int           `koanf:"max_batch_size"`
	MaxWaitTime   time.Duration `koanf:"max_wait_time"`
	BufferSize    int           `koanf:"buffer_size"`
}

// ResilienceConfig configures component C7: circuit breaker, retry and time
// limiter, nested in that order around the publisher.
type ResilienceConfig struct {
	TimeoutDuration time.Duration `koanf:"timeout_duration"`

	MaxAttempts     int           `koanf:"max_attempts"`
	InitialDelay    time.Duration `koanf:"initial_delay"`
	MaxDelay        time.Duration `koanf:"max_delay"`
	Multiplier      float64       `koanf:"multiplier"`
	JitterEnabled   bool          `koanf:"jitter_enabled"`
	JitterFactor    float64       `koanf:"jitter_factor"`

	SlidingWindowSize        int           `koanf:"sliding_window_size"`
	MinimumCalls             int           `koanf:"minimum_calls"`
	FailureRateThreshold     float64       `koanf:"failure_rate_threshold"`
	SlowCallRateThreshold    float64       `koanf:"slow_call_rate_threshold"`
	SlowCallDurationThreshold time.Duration `koanf:"slow_call_duration_threshold"`
	WaitDurationInOpen       time.Duration `koanf:"wait_duration_in_open"`
	PermittedHalfOpenProbes  int           `koanf:"permitted_half_open_probes"`
}

// IdempotencyConfig configures component C10's TTLs.
type IdempotencyConfig struct {
	LockDuration     time.Duration `koanf:"lock_duration"`
	ProcessedTTL     time.Duration `koanf:"processed_ttl"`
	FailureTTL       time.Duration `koanf:"failure_ttl"`
	HTTPKeyTTL       time.Duration `koanf:"http_idempotency_ttl"`
}

// DLQConfig configures component C8.
type DLQConfig struct {
	Destination string `koanf:"destination"`
}

// ConsumerConfig configures component C12.
type ConsumerConfig struct {
	GroupID      string   `koanf:"group_id"`
	Destinations []string `koanf:"destinations"`
	Concurrency  int      `koanf:"concurrency"`

	// MaxDeliveryFailures bounds how many record_failure increments C13
	// tolerates for one content key before dead-lettering it instead of
	// leaving it to indefinite NACK/redelivery ("to DLQ after policy" in
	// spec §4.13's FAILED branch).
	MaxDeliveryFailures int `koanf:"max_delivery_failures"`
}

// TracingConfig configures component C16's sampling behavior.
type TracingConfig struct {
	SamplingProbability float64 `koanf:"sampling_probability"`
}

// MetricsConfig configures component C15's exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// ProviderOverride holds the subset of settings that may be tuned on a
// per-provider basis (rate limits, resilience, signature strategy, DLQ
// filter).
type ProviderOverride struct {
	RateLimit  *RateLimitConfig  `koanf:"rate_limit"`
	Resilience *ResilienceConfig `koanf:"resilience"`
	Verify     *VerifyOverride   `koanf:"verify"`

	// DLQFilter is an optional CEL expression evaluated by C8 against a
	// flat map of the rejected event's fields; a false result suppresses the
	// DLQ write. Absent (the default) always DLQs, matching spec §4.8.
	DLQFilter string `koanf:"dlq_filter"`
}

// VerifyOverride configures a provider's signature validation strategy.
type VerifyOverride struct {
	Strategy  string        `koanf:"strategy"` // none | hmac | stripe | github
	Header    string        `koanf:"header"`
	Secret    string        `koanf:"secret"`
	Tolerance time.Duration `koanf:"tolerance"`
}

// Default returns the fully populated default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Broker: BrokerConfig{
			Backend:            "nats",
			BootstrapServers:   []string{"127.0.0.1:4222"},
			Prefix:             "webhooks.",
			UseProviderAsTopic: true,
			ConsumerGroupID:    "webhook-workers",
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		Validator: ValidatorConfig{
			Enabled:             true,
			ProviderNamePattern: `^[a-z0-9-]+$`,
			MaxPayloadSize:      1 << 20,
			RequireContentType:  true,
			AllowedContentTypes: []string{"application/json"},
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			LimitForPeriod:     100,
			LimitRefreshPeriod: time.Second,
			TimeoutDuration:    500 * time.Millisecond,
		},
		Compression: CompressionConfig{
			Enabled:   true,
			MinSize:   1024,
			Algorithm: "gzip",
		},
		Batching: BatchingConfig{
			Enabled:      false,
			MaxBatchSize: 100,
			MaxWaitTime:  500 * time.Millisecond,
			BufferSize:   1000,
		},
		Resilience: ResilienceConfig{
			TimeoutDuration:           10 * time.Second,
			MaxAttempts:               3,
			InitialDelay:              100 * time.Millisecond,
			MaxDelay:                  2 * time.Second,
			Multiplier:                2.0,
			JitterEnabled:             true,
			JitterFactor:              0.5,
			SlidingWindowSize:         20,
			MinimumCalls:              10,
			FailureRateThreshold:      50,
			SlowCallRateThreshold:     50,
			SlowCallDurationThreshold: 5 * time.Second,
			WaitDurationInOpen:        30 * time.Second,
			PermittedHalfOpenProbes:   5,
		},
		Idempotency: IdempotencyConfig{
			LockDuration: 5 * time.Minute,
			ProcessedTTL: 7 * 24 * time.Hour,
			FailureTTL:   24 * time.Hour,
			HTTPKeyTTL:   24 * time.Hour,
		},
		DLQ: DLQConfig{Destination: "webhooks.dlq"},
		Consumer: ConsumerConfig{
			GroupID:             "webhook-workers",
			Concurrency:         8,
			MaxDeliveryFailures: 5,
		},
		Tracing: TracingConfig{SamplingProbability: 1.0},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Providers: map[string]ProviderOverride{},
	}
}

// RateLimitFor returns the effective rate-limit configuration for a
// provider, applying its override when present.
func (c *Config) RateLimitFor(provider string) RateLimitConfig {
	if o, ok := c.Providers[provider]; ok && o.RateLimit != nil {
		return *o.RateLimit
	}
	return c.RateLimit
}

// ResilienceFor returns the effective resilience configuration for a
// provider, applying its override when present.
func (c *Config) ResilienceFor(provider string) ResilienceConfig {
	if o, ok := c.Providers[provider]; ok && o.Resilience != nil {
		return *o.Resilience
	}
	return c.Resilience
}

// VerifyFor returns the effective signature-verification override for a
// provider, or nil when the provider has none configured (strategy "none").
func (c *Config) VerifyFor(provider string) *VerifyOverride {
	if o, ok := c.Providers[provider]; ok {
		return o.Verify
	}
	return nil
}
