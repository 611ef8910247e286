package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultDedupSweepSchedule is how often MemoryDedup drops expired keys
const DefaultDedupSweepSchedule = "@every 10m"

// DedupCache remembers idempotency keys for a bounded window
type DedupCache interface {
	// Reserve stores candidateID under key unless a live entry exists.
	// It returns the id that owns the key and whether this call reserved it.
	Reserve(ctx context.Context, key, candidateID string, ttl time.Duration) (existingID string, reserved bool, err error)
	// Release drops a reservation whose event could not be stored
	Release(ctx context.Context, key, candidateID string) error
}

type dedupEntry struct {
	eventID   string
	expiresAt time.Time
}

// MemoryDedup is an in-process DedupCache. Expired keys are only dropped
// by Sweep; StartSweeper schedules it.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	now     func() time.Time

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewMemoryDedup creates an empty in-memory dedup cache
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{
		entries: make(map[string]dedupEntry),
		now:     time.Now,
	}
}

// Reserve implements DedupCache
func (m *MemoryDedup) Reserve(_ context.Context, key, candidateID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return e.eventID, false, nil
	}

	m.entries[key] = dedupEntry{eventID: candidateID, expiresAt: now.Add(ttl)}
	return candidateID, true, nil
}

// Release implements DedupCache
func (m *MemoryDedup) Release(_ context.Context, key, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && e.eventID == candidateID {
		delete(m.entries, key)
	}
	return nil
}

// Sweep drops expired entries
func (m *MemoryDedup) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of keys held, expired or not
func (m *MemoryDedup) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartSweeper runs Sweep on a cron schedule such as DefaultDedupSweepSchedule
func (m *MemoryDedup) StartSweeper(spec string, logger zerolog.Logger) error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("dedup sweeper already started")
	}

	logger = logger.With().Str("component", "dedup_sweeper").Logger()
	cl := cronLogger{logger}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))
	if _, err := c.AddFunc(spec, func() {
		if removed := m.Sweep(); removed > 0 {
			logger.Debug().Int("removed", removed).Msg("Expired idempotency keys dropped")
		}
	}); err != nil {
		return fmt.Errorf("invalid dedup sweep schedule %q: %w", spec, err)
	}

	c.Start()
	m.cron = c
	return nil
}

// Stop halts the sweeper
func (m *MemoryDedup) Stop() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

const redisKeyPrefix = "hubflow:dedup:"

// releaseScript deletes the key only while it still holds the caller's id
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDedup shares idempotency keys across ingress instances
type RedisDedup struct {
	client redis.UniversalClient
}

// NewRedisDedup wraps an existing client
func NewRedisDedup(client redis.UniversalClient) *RedisDedup {
	return &RedisDedup{client: client}
}

// DialRedisDedup connects to addr and verifies the connection
func DialRedisDedup(ctx context.Context, addr, password string, db int) (*RedisDedup, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisDedup(client), nil
}

// Reserve implements DedupCache with SET NX PX
func (r *RedisDedup) Reserve(ctx context.Context, key, candidateID string, ttl time.Duration) (string, bool, error) {
	redisKey := redisKeyPrefix + key

	for {
		ok, err := r.client.SetNX(ctx, redisKey, candidateID, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if ok {
			return candidateID, true, nil
		}

		existing, err := r.client.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
		}
		return existing, false, nil
	}
}

// Release implements DedupCache
func (r *RedisDedup) Release(ctx context.Context, key, candidateID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, candidateID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (r *RedisDedup) Close() error {
	return r.client.Close()
}
