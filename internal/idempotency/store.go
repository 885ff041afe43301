// Package idempotency implements component C10: a distributed lock,
// processed marker, and failure counter on a shared Redis instance, used
// by the worker framework to deduplicate at-least-once broker deliveries.
package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by TryAcquire when another worker already
// holds the lock for key.
var ErrNotAcquired = errors.New("idempotency: lock not acquired")

// releaseScript deletes processing:{key} only if the caller's token still
// owns it, mirroring the compare-and-delete pattern used for distributed
// locks elsewhere in this codebase's lineage.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

// FailureRecord is the value stored under failures:{key}.
type FailureRecord struct {
	Count         int       `json:"count"`
	FirstFailure  time.Time `json:"first_failure_at"`
	LastFailure   time.Time `json:"last_failure_at"`
	LastError     string    `json:"last_error"`
}

// ProcessedRecord is the value stored under processed:{key}.
type ProcessedRecord struct {
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Store is the single source of truth for worker-side deduplication
// across all worker instances. Every mutation is an atomic Redis
// primitive; no in-process lock is held across an await point.
type Store struct {
	client       redis.UniversalClient
	lockDuration time.Duration
	processedTTL time.Duration
	failureTTL   time.Duration
}

// New returns a Store backed by client.
func New(client redis.UniversalClient, lockDuration, processedTTL, failureTTL time.Duration) *Store {
	return &Store{client: client, lockDuration: lockDuration, processedTTL: processedTTL, failureTTL: failureTTL}
}

// TryAcquire attempts an atomic put-if-absent on processing:{key} with a
// hard TTL. Expiration is the sole release mechanism when a holder
// crashes — there is deliberately no auto-renewal.
func (s *Store) TryAcquire(ctx context.Context, key string) (*Lease, error) {
	token := randomToken()
	lockKey := "processing:" + key
	ttl := s.lockDuration
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{store: s, key: key, token: token}, nil
}

// IsProcessed reports whether key has a live processed:{key} marker.
func (s *Store) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, "processed:"+key).Result()
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkProcessed records that key was handled successfully at least once,
// with TTL ttl (defaulting to the store's processedTTL). Per spec §3 this
// must be called strictly after the user processor reports SUCCESS and
// strictly before Release.
func (s *Store) MarkProcessed(ctx context.Context, key, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.processedTTL
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	rec := ProcessedRecord{EventID: eventID, ProcessedAt: time.Now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal processed record: %w", err)
	}
	if err := s.client.Set(ctx, "processed:"+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("mark processed %s: %w", key, err)
	}
	return nil
}

// RecordFailure increments (or creates) the failures:{key} counter with the
// store's failure TTL (24h when unset), refreshed on every call.
func (s *Store) RecordFailure(ctx context.Context, key string, cause error) error {
	failKey := "failures:" + key
	now := time.Now()

	existing, err := s.client.Get(ctx, failKey).Result()
	rec := FailureRecord{FirstFailure: now}
	if err == nil {
		if unmarshalErr := json.Unmarshal([]byte(existing), &rec); unmarshalErr != nil {
			rec = FailureRecord{FirstFailure: now}
		}
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read failure record %s: %w", key, err)
	}

	rec.Count++
	rec.LastFailure = now
	if cause != nil {
		rec.LastError = cause.Error()
	}

	ttl := s.failureTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	payload, marshalErr := json.Marshal(rec)
	if marshalErr != nil {
		return fmt.Errorf("marshal failure record: %w", marshalErr)
	}
	if err := s.client.Set(ctx, failKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("record failure %s: %w", key, err)
	}
	return nil
}

// FailureCount returns the current failure count for key, or 0 if none
// recorded.
func (s *Store) FailureCount(ctx context.Context, key string) (int, error) {
	raw, err := s.client.Get(ctx, "failures:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read failure count %s: %w", key, err)
	}
	var rec FailureRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return 0, fmt.Errorf("unmarshal failure record %s: %w", key, err)
	}
	return rec.Count, nil
}

// GetCachedResponse returns the raw bytes stored under idempotency:{key}
// (an HTTP-level cached WebhookAck per spec §3/§4.9 step 5), or nil if
// absent.
func (s *Store) GetCachedResponse(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, "idempotency:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached response %s: %w", key, err)
	}
	return raw, nil
}

// CacheResponse stores payload under idempotency:{key} with ttl
// (defaulting to 24h per spec §3's http_idempotency_ttl default).
func (s *Store) CacheResponse(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.client.Set(ctx, "idempotency:"+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache response %s: %w", key, err)
	}
	return nil
}

// Lease represents a held processing lock. Release is idempotent: calling
// it twice, or after the TTL already expired, returns nil either way.
type Lease struct {
	store *Store
	key   string
	token string
}

// Release deletes processing:{key} only if this Lease's token still owns
// it.
func (l *Lease) Release(ctx context.Context) error {
	result, err := l.store.client.Eval(ctx, releaseScript, []string{"processing:" + l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n, ok := result.(int64); !ok || n == 0 {
		return nil // already released or expired; idempotent
	}
	return nil
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
