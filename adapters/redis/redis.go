// Package redis adapts a Redis server to ports.KV. Redis is the
// authoritative store; everything above it treats this adapter as a plain
// capability (keys, hashes, sets, counters, pipelines, TTL).
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/artpar/meterd/ports"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// KV implements ports.KV over a go-redis client.
type KV struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*KV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &KV{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniature
// servers.
func NewFromClient(rdb *redis.Client) *KV {
	return &KV{rdb: rdb}
}

// Close releases the connection pool.
func (s *KV) Close() error {
	return s.rdb.Close()
}

func (s *KV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *KV) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

func (s *KV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *KV) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	return stringPtrs(vals), nil
}

func (s *KV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *KV) HSet(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *KV) HMGet(ctx context.Context, key string, fields ...string) ([]*string, error) {
	vals, err := s.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	return stringPtrs(vals), nil
}

func (s *KV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *KV) SAdd(ctx context.Context, key string, members ...string) error {
	return s.rdb.SAdd(ctx, key, anySlice(members)...).Err()
}

func (s *KV) SRem(ctx context.Context, key string, members ...string) error {
	return s.rdb.SRem(ctx, key, anySlice(members)...).Err()
}

func (s *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *KV) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

func (s *KV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, key, member).Result()
}

func (s *KV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.rdb.IncrBy(ctx, key, delta).Result()
}

func (s *KV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *KV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Pipelined issues the queued commands as one batch. Integer results are
// resolved after execution.
func (s *KV) Pipelined(ctx context.Context, fn func(ports.Pipe)) error {
	var resolvers []func()
	_, err := s.rdb.Pipelined(ctx, func(rp redis.Pipeliner) error {
		p := &pipe{ctx: ctx, rp: rp}
		fn(p)
		resolvers = p.resolvers
		return nil
	})
	if err != nil {
		return err
	}
	for _, resolve := range resolvers {
		resolve()
	}
	return nil
}

type pipe struct {
	ctx       context.Context
	rp        redis.Pipeliner
	resolvers []func()
}

func (p *pipe) Set(key, value string) {
	p.rp.Set(p.ctx, key, value, 0)
}

func (p *pipe) Del(keys ...string) {
	if len(keys) > 0 {
		p.rp.Del(p.ctx, keys...)
	}
}

func (p *pipe) SAdd(key string, members ...string) {
	p.rp.SAdd(p.ctx, key, anySlice(members)...)
}

func (p *pipe) SRem(key string, members ...string) {
	p.rp.SRem(p.ctx, key, anySlice(members)...)
}

func (p *pipe) HSet(key, field, value string) {
	p.rp.HSet(p.ctx, key, field, value)
}

func (p *pipe) IncrBy(key string, delta int64) *ports.IntResult {
	cmd := p.rp.IncrBy(p.ctx, key, delta)
	res := &ports.IntResult{}
	p.resolvers = append(p.resolvers, func() { res.Resolve(cmd.Val()) })
	return res
}

func (p *pipe) Expire(key string, ttl time.Duration) {
	p.rp.Expire(p.ctx, key, ttl)
}

func stringPtrs(vals []interface{}) []*string {
	out := make([]*string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			s := s
			out[i] = &s
		}
	}
	return out
}

func anySlice(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// Ensure interface compliance.
var _ ports.KV = (*KV)(nil)
