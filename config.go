package uniqw

import (
	"errors"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueConfig configures a QueueService's connection to the store and its
// retention/cleanup defaults.
type QueueConfig struct {
	StoreURL       string
	DefaultQueue   string
	MaxConnections int
	ResultTTL      time.Duration
	FailedTTL      time.Duration

	// CleanupInterval governs how often a caller-driven Cleanup sweep should
	// run to prune stale task-index entries. It is unrelated to
	// QueueService.StartMaintenance's recover/promote sweep, which runs on
	// its own, much shorter, caller-supplied interval (see Server).
	CleanupInterval time.Duration
}

// DefaultQueueConfig returns the standard defaults, with StoreURL left
// empty for the caller (or ApplyEnv) to fill in.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		DefaultQueue:    "default",
		MaxConnections:  10,
		ResultTTL:       86400 * time.Second,
		FailedTTL:       604800 * time.Second,
		CleanupInterval: 3600 * time.Second,
	}
}

// ApplyEnv overrides StoreURL from the STORE_URL environment variable when set.
func (c QueueConfig) ApplyEnv() QueueConfig {
	if v := os.Getenv("STORE_URL"); v != "" {
		c.StoreURL = v
	}
	return c
}

// NewClientFromConfig builds a go-redis client from cfg.StoreURL (a
// redis://, rediss://, or unix:// DSN as accepted by redis.ParseURL),
// applying cfg.MaxConnections as the connection pool size. An empty
// StoreURL defaults to redis://127.0.0.1:6379. Callers who already manage
// their own redis.UniversalClient (a cluster or ring client, or one
// configured for TLS/sentinel outside what a DSN can express) should build
// it directly and pass it to NewQueueService/NewServer instead.
func NewClientFromConfig(cfg QueueConfig) (*redis.Client, error) {
	dsn := cfg.StoreURL
	if dsn == "" {
		dsn = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, errors.Join(ErrConfiguration, err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	return redis.NewClient(opts), nil
}

// WorkerConfig configures a worker's polling, concurrency, and lifecycle
// behavior.
type WorkerConfig struct {
	WorkerID            string
	Queues              []string
	MaxConcurrentTasks  int
	PollingInterval     time.Duration
	TaskTimeout         time.Duration
	AutoRetry           bool
	HeartbeatInterval   time.Duration
	ShutdownGracePeriod time.Duration
}

// DefaultWorkerConfig returns the standard worker defaults. Queues and
// WorkerID are left for the caller to fill in.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxConcurrentTasks:  4,
		PollingInterval:     1000 * time.Millisecond,
		TaskTimeout:         300 * time.Second,
		AutoRetry:           true,
		HeartbeatInterval:   30 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
	}
}

// Validate reports ErrConfiguration if the config cannot be used to start a worker.
func (c WorkerConfig) Validate() error {
	if len(c.Queues) == 0 {
		return ErrConfiguration
	}
	if c.MaxConcurrentTasks <= 0 {
		return ErrConfiguration
	}
	return nil
}
