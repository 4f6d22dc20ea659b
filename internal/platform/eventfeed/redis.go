package eventfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/parrot-sketch/nSculpt-sub003/internal/domain/domainevent"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

// redisPublisher is the part of the go-redis client the publisher needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher republishes events on Redis pub/sub so other processes can
// follow the feed. Each event goes to the channel <prefix>:<tenant>:<domain>.
type RedisPublisher struct {
	client redisPublisher
	prefix string
}

func NewRedisPublisher(client redisPublisher, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (p *RedisPublisher) Name() string { return "redis" }

// Channel returns the pub/sub channel for a tenant's events in domain. An
// empty tenant omits the segment.
func (p *RedisPublisher) Channel(tenant string, domain domainevent.Domain) string {
	if tenant == "" {
		return p.prefix + ":" + string(domain)
	}
	return p.prefix + ":" + tenant + ":" + string(domain)
}

func (p *RedisPublisher) Deliver(ctx context.Context, e *domainevent.DomainEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := p.Channel(db.TenantFromContext(ctx), e.Domain)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
