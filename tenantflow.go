// Package tenantflow provides a top-level convenience entry point for
// embedding the tenant cache and usage accounting pipeline with minimal
// boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/tenantflow"
//
//	client, err := tenantflow.New(tenantflow.WithRedisAddr("localhost:6379"))
//	client, err := tenantflow.New(
//		tenantflow.WithRedisAddr("localhost:6379"),
//		tenantflow.WithDatabase(db),
//	)
//
// Without a database the client offers the hierarchical cache and fast
// counters only; usage records are parked in the queue until a database
// is attached and Start is called.
package tenantflow

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/usage"
)

// Version is the library release version. The service binary carries its
// own build-time version via ldflags.
const Version = "1.0.0"

// Client bundles the cache and usage components for library consumers.
type Client struct {
	remote  *cache.RemoteTier
	cache   *cache.HierarchicalCache
	queue   *usage.Queue
	store   *usage.GormStore
	tracker *usage.Tracker
	quota   *usage.QuotaChecker
	worker  *usage.Worker
	logger  *zap.Logger

	started bool
	cancel  context.CancelFunc
}

type options struct {
	redisAddr   string
	redisClient *redis.Client
	db          *gorm.DB
	logger      *zap.Logger
	registerer  prometheus.Registerer
	cacheConfig cache.Config
	usageConfig usage.Config
}

// Option configures the client created by [New].
type Option func(*options)

// WithRedisAddr connects the remote tier to the given Redis address.
func WithRedisAddr(addr string) Option {
	return func(o *options) { o.redisAddr = addr }
}

// WithRedisClient uses a pre-built Redis client for the remote tier.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redisClient = client }
}

// WithDatabase attaches a GORM connection for durable usage storage,
// enabling the tracker's write-behind worker and quota lookups.
func WithDatabase(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithLogger sets a custom zap logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registerer for the client's metrics.
// Defaults to a private registry so two clients never collide.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithCacheConfig overrides the cache tuning defaults.
func WithCacheConfig(cfg cache.Config) Option {
	return func(o *options) { o.cacheConfig = cfg }
}

// WithUsageConfig overrides the usage pipeline tuning defaults.
func WithUsageConfig(cfg usage.Config) Option {
	return func(o *options) { o.usageConfig = cfg }
}

// New creates a Client. At minimum a Redis connection must be specified
// via [WithRedisAddr] or [WithRedisClient].
func New(opts ...Option) (*Client, error) {
	o := options{
		logger:      zap.NewNop(),
		registerer:  prometheus.NewRegistry(),
		cacheConfig: cache.DefaultConfig(),
		usageConfig: usage.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.redisClient == nil && o.redisAddr == "" {
		return nil, fmt.Errorf("tenantflow: a Redis connection is required (WithRedisAddr or WithRedisClient)")
	}

	collector := metrics.NewCollector("tenantflow", o.registerer, o.logger)

	var remote *cache.RemoteTier
	if o.redisClient != nil {
		remote = cache.NewRemoteTierFromClient(o.redisClient, cache.DefaultRemoteConfig(), o.logger)
	} else {
		rc := cache.DefaultRemoteConfig()
		rc.Addr = o.redisAddr
		var err error
		remote, err = cache.NewRemoteTier(rc, o.logger)
		if err != nil {
			return nil, fmt.Errorf("tenantflow: remote tier: %w", err)
		}
	}

	hcache := cache.New(remote, o.cacheConfig, collector, o.logger)
	queue := usage.NewQueue(o.usageConfig.QueueCapacity)

	c := &Client{
		remote: remote,
		cache:  hcache,
		queue:  queue,
		logger: o.logger,
	}

	var resolver *usage.AttributionResolver
	if o.db != nil {
		c.store = usage.NewGormStore(o.db, o.logger)
		resolver = usage.NewAttributionResolver(hcache, c.store, collector, o.logger)
		c.quota = usage.NewQuotaChecker(hcache, c.store, o.logger)
		c.worker = usage.NewWorker(o.usageConfig, queue, c.store, collector, o.logger)
	}

	c.tracker = usage.NewTracker(o.usageConfig, hcache, queue, resolver, collector, o.logger)

	return c, nil
}

// Start launches the write-behind worker. It is a no-op when no database
// is attached or the client is already started.
func (c *Client) Start(ctx context.Context) {
	if c.worker == nil || c.started {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.worker.Start(workerCtx)
	c.started = true
}

// Cache returns the two-tier hierarchical cache.
func (c *Client) Cache() *cache.HierarchicalCache { return c.cache }

// Tracker returns the usage tracker.
func (c *Client) Tracker() *usage.Tracker { return c.tracker }

// Quota returns the quota checker, or nil when no database is attached.
func (c *Client) Quota() *usage.QuotaChecker { return c.quota }

// Queue returns the write-behind queue.
func (c *Client) Queue() *usage.Queue { return c.queue }

// Close drains the worker and releases the Redis connection.
func (c *Client) Close() error {
	if c.started {
		c.worker.Stop()
		c.cancel()
		c.started = false
	}
	return c.remote.Close()
}
