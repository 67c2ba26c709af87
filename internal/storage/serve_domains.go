package storage

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisServeDomainRotator rotates over the configured serve domains
// using a shared Redis counter, so all server processes hand out
// redirect targets in the same round-robin order.
type RedisServeDomainRotator struct {
	client   *redis.Client
	domains  []string
	key      string
	logger   *zap.Logger
	fallback atomic.Uint64
}

// NewRedisServeDomainRotator creates a rotator over domains. The list
// may be empty, in which case Next always reports ok == false.
func NewRedisServeDomainRotator(client *redis.Client, domains []string, logger *zap.Logger) *RedisServeDomainRotator {
	return &RedisServeDomainRotator{
		client:  client,
		domains: domains,
		key:     "serve_domains:cursor",
		logger:  logger,
	}
}

func (r *RedisServeDomainRotator) Next(ctx context.Context) (string, bool) {
	if len(r.domains) == 0 {
		return "", false
	}
	n, err := r.client.Incr(ctx, r.key).Result()
	if err != nil {
		// Redis being down must not break failover; fall back to a
		// process-local cursor.
		r.logger.Warn("serve domain cursor unavailable, using local cursor", zap.Error(err))
		n = int64(r.fallback.Add(1))
	}
	return r.domains[int(uint64(n)%uint64(len(r.domains)))], true
}

// MemoryServeDomainRotator is a process-local rotator for running
// without Redis and for tests.
type MemoryServeDomainRotator struct {
	domains []string
	cursor  atomic.Uint64
}

func NewMemoryServeDomainRotator(domains []string) *MemoryServeDomainRotator {
	return &MemoryServeDomainRotator{domains: domains}
}

func (r *MemoryServeDomainRotator) Next(ctx context.Context) (string, bool) {
	if len(r.domains) == 0 {
		return "", false
	}
	n := r.cursor.Add(1)
	return r.domains[int(n%uint64(len(r.domains)))], true
}
