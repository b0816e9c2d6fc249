package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"csr-rule-engine/internal/alert"
	"csr-rule-engine/internal/config"
	"csr-rule-engine/internal/events"
)

// NewRedis connects and pings. An empty address means Redis is disabled
// and (nil, nil) is returned.
func NewRedis(ctx context.Context, cfg config.Config) (*goredis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Redis.Addr,
		DB:          cfg.Redis.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisCooldowns keeps the alert cooldown ledger in Redis so it is shared
// across instances. Keys expire with the cooldown.
type RedisCooldowns struct {
	rdb    goredis.Cmdable
	prefix string
}

func NewRedisCooldowns(rdb goredis.Cmdable) *RedisCooldowns {
	return &RedisCooldowns{rdb: rdb, prefix: "alert:cooldown:"}
}

func (c *RedisCooldowns) key(subject string, t alert.Threshold) string {
	return c.prefix + subject + ":" + strconv.Itoa(int(t))
}

func (c *RedisCooldowns) LastSent(ctx context.Context, subject string, t alert.Threshold) (time.Time, bool, error) {
	v, err := c.rdb.Get(ctx, c.key(subject, t)).Int64()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get cooldown: %w", err)
	}
	return time.Unix(0, v).UTC(), true, nil
}

func (c *RedisCooldowns) MarkSent(ctx context.Context, subject string, t alert.Threshold, at time.Time, cooldown time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(subject, t), at.UnixNano(), cooldown).Err(); err != nil {
		return fmt.Errorf("redis set cooldown: %w", err)
	}
	return nil
}

// RedisPublisher publishes events as JSON on a pubsub channel.
type RedisPublisher struct {
	rdb     goredis.Cmdable
	channel string
}

func NewRedisPublisher(rdb goredis.Cmdable, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e events.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.rdb.Publish(ctx, p.channel, raw).Err()
}
