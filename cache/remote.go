package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss distinguishes "not found" from "found a falsy value".
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// RemoteConfig configures the shared remote tier.
type RemoteConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	OpTimeout    time.Duration `yaml:"op_timeout" json:"op_timeout"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" json:"scan_timeout"`
	PingTimeout  time.Duration `yaml:"ping_timeout" json:"ping_timeout"`
}

// DefaultRemoteConfig returns production defaults. Timeouts are tiered:
// health checks shortest, scans longest.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Addr:         "localhost:6379",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		OpTimeout:    2 * time.Second,
		ScanTimeout:  10 * time.Second,
		PingTimeout:  500 * time.Millisecond,
	}
}

// RemoteTier wraps the shared key-value store behind bounded-timeout
// single-key operations. Every method returns an explicit error; the
// degrade-vs-fail decision belongs to the caller.
type RemoteTier struct {
	client *redis.Client
	config RemoteConfig
	logger *zap.Logger
}

// NewRemoteTier connects to the remote store and verifies the
// connection once.
func NewRemoteTier(config RemoteConfig, logger *zap.Logger) (*RemoteTier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RemoteTier{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "remote_tier")),
	}, nil
}

// NewRemoteTierFromClient wraps an existing client. Used by tests and
// by callers that manage the client lifecycle themselves.
func NewRemoteTierFromClient(client *redis.Client, config RemoteConfig, logger *zap.Logger) *RemoteTier {
	return &RemoteTier{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "remote_tier")),
	}
}

func (r *RemoteTier) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.config.OpTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Get returns ErrCacheMiss for absent keys.
func (r *RemoteTier) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("remote get failed: %w", err)
	}
	return val, nil
}

// Set writes a value. ttl = 0 stores without expiry.
func (r *RemoteTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("remote set failed: %w", err)
	}
	return nil
}

// SetNX writes only when the key is absent; used as a best-effort job
// lock by reconciliation.
func (r *RemoteTier) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("remote setnx failed: %w", err)
	}
	return ok, nil
}

// Delete removes the given keys.
func (r *RemoteTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("remote delete failed: %w", err)
	}
	return nil
}

// IncrBy atomically increments a counter and returns the new value.
// The TTL is applied exactly once per accumulation window: only when
// the returned value equals the applied increment, meaning this call
// created the counter.
func (r *RemoteTier) IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	val, err := r.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("remote incrby failed: %w", err)
	}
	if ttl > 0 && val == amount {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			r.logger.Warn("counter expire failed", zap.String("key", key), zap.Error(err))
		}
	}
	return val, nil
}

// GetInt64 reads a counter value; absent counters read as 0.
func (r *RemoteTier) GetInt64(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("remote counter read failed: %w", err)
	}
	return val, nil
}

// TTL reports the remaining lifetime of a key. Keys without expiry
// return -1 (go-redis convention); absent keys return ErrCacheMiss.
func (r *RemoteTier) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("remote ttl failed: %w", err)
	}
	// go-redis passes the negative TTL replies through unscaled, so an
	// absent key surfaces as time.Duration(-2).
	if d == time.Duration(-2) {
		return 0, ErrCacheMiss
	}
	return d, nil
}

// ScanKeys walks the keyspace for keys matching pattern. The scan has
// its own, longer timeout since it may iterate many pages.
func (r *RemoteTier) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	timeout := r.config.ScanTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("remote scan failed: %w", err)
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Ping checks the connection with the shortest timeout tier.
func (r *RemoteTier) Ping(ctx context.Context) error {
	timeout := r.config.PingTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *RemoteTier) Close() error {
	return r.client.Close()
}
