// Package memory provides in-memory adapters for development and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/artpar/meterd/ports"
)

// KV is an in-memory implementation of ports.KV. Pipelines are applied
// under one lock, which gives the same ordered all-issued-together behavior
// the store adapter promises.
type KV struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
}

// NewKV creates an empty in-memory store.
func NewKV() *KV {
	return &KV{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
	}
}

func (s *KV) expireLocked(key string) {
	if at, ok := s.expiry[key]; ok && time.Now().After(at) {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.sets, key)
		delete(s.expiry, key)
	}
}

func (s *KV) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *KV) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	delete(s.expiry, key)
	return nil
}

func (s *KV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	if _, ok := s.strings[key]; ok {
		return false, nil
	}
	s.strings[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (s *KV) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*string, len(keys))
	for i, k := range keys {
		s.expireLocked(k)
		if v, ok := s.strings[k]; ok {
			v := v
			out[i] = &v
		}
	}
	return out, nil
}

func (s *KV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

func (s *KV) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, field, value)
	return nil
}

func (s *KV) hsetLocked(key, field, value string) {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
}

func (s *KV) HMGet(ctx context.Context, key string, fields ...string) ([]*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*string, len(fields))
	for i, f := range fields {
		if v, ok := s.hashes[key][f]; ok {
			v := v
			out[i] = &v
		}
	}
	return out, nil
}

func (s *KV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *KV) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saddLocked(key, members...)
	return nil
}

func (s *KV) saddLocked(key string, members ...string) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
}

func (s *KV) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sremLocked(key, members...)
	return nil
}

func (s *KV) sremLocked(key string, members ...string) {
	for _, m := range members {
		delete(s.sets[key], m)
	}
}

func (s *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (s *KV) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *KV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *KV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrByLocked(key, delta), nil
}

func (s *KV) incrByLocked(key string, delta int64) int64 {
	cur, _ := strconv.ParseInt(s.strings[key], 10, 64)
	cur += delta
	s.strings[key] = strconv.FormatInt(cur, 10)
	return cur
}

func (s *KV) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	if _, ok := s.strings[key]; ok {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	_, ok := s.sets[key]
	return ok, nil
}

func (s *KV) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delLocked(keys...)
	return nil
}

func (s *KV) delLocked(keys ...string) {
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.hashes, k)
		delete(s.sets, k)
		delete(s.expiry, k)
	}
}

func (s *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = time.Now().Add(ttl)
	return nil
}

// pipeOp is one queued pipeline command.
type pipeOp func(s *KV)

// pipe records commands for later application.
type pipe struct {
	ops []pipeOp
}

func (p *pipe) Set(key, value string) {
	p.ops = append(p.ops, func(s *KV) {
		s.strings[key] = value
		delete(s.expiry, key)
	})
}

func (p *pipe) Del(keys ...string) {
	p.ops = append(p.ops, func(s *KV) { s.delLocked(keys...) })
}

func (p *pipe) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(s *KV) { s.saddLocked(key, members...) })
}

func (p *pipe) SRem(key string, members ...string) {
	p.ops = append(p.ops, func(s *KV) { s.sremLocked(key, members...) })
}

func (p *pipe) HSet(key, field, value string) {
	p.ops = append(p.ops, func(s *KV) { s.hsetLocked(key, field, value) })
}

func (p *pipe) IncrBy(key string, delta int64) *ports.IntResult {
	res := &ports.IntResult{}
	p.ops = append(p.ops, func(s *KV) { res.Resolve(s.incrByLocked(key, delta)) })
	return res
}

func (p *pipe) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(s *KV) { s.expiry[key] = time.Now().Add(ttl) })
}

// Pipelined collects commands from fn and applies them in order under one
// lock.
func (s *KV) Pipelined(ctx context.Context, fn func(ports.Pipe)) error {
	p := &pipe{}
	fn(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range p.ops {
		op(s)
	}
	return nil
}

// Ensure interface compliance.
var _ ports.KV = (*KV)(nil)
