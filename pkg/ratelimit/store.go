package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen int64 // unix nano  最后的时间
}

// Store 按 key 维护限流器 (例如 "funding:TRON")
// 进程内计数，重启清零是可接受的保守行为
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
	ttl     time.Duration
}

func NewStore(r rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		entries: make(map[string]*entry, 64),
		rate:    r,
		burst:   burst,
		ttl:     ttl,
	}
}

// Allow 判断是否允许通过。允许则返回 true。
func (s *Store) Allow(key string) bool {
	return s.AllowN(key, 1)
}

// AllowN 一次消耗 n 个额度 (垫资按金额整数单位扣)
func (s *Store) AllowN(key string, n int) bool {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst), lastSeen: now.UnixNano()}
		s.entries[key] = e
		s.mu.Unlock()
		return e.limiter.AllowN(now, n)
	}
	atomic.StoreInt64(&e.lastSeen, now.UnixNano())
	s.mu.Unlock()

	return e.limiter.AllowN(now, n)
}

// Wait 阻塞直到有额度或 ctx 结束
func (s *Store) Wait(ctx context.Context, key string) error {
	now := time.Now().UnixNano()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst), lastSeen: now}
		s.entries[key] = e
	} else {
		atomic.StoreInt64(&e.lastSeen, now)
	}
	s.mu.Unlock()

	return e.limiter.Wait(ctx)
}

// GC 清理长期未用的 key
func (s *Store) GC() {
	cutoff := time.Now().Add(-s.ttl).UnixNano()

	s.mu.Lock()
	for k, e := range s.entries {
		if atomic.LoadInt64(&e.lastSeen) < cutoff {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}
