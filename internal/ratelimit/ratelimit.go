// Package ratelimit throttles one-time code issuance per scope.
//
// Each key gets a cooldown between consecutive requests and a ceiling per window;
// exceeding the ceiling blocks the key for three windows.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"harborbank.org/internal/otp"
)

var (
	_ otp.Limiter = (*Redis)(nil)
	_ otp.Limiter = (*Local)(nil)
)

// Policy bounds issuance for one key.
type Policy struct {
	Window      time.Duration
	MaxInWindow int
	Cooldown    time.Duration
}

func (p Policy) normalized() Policy {
	if p.Window <= 0 {
		p.Window = 10 * time.Minute
	}
	if p.MaxInWindow <= 0 {
		p.MaxInWindow = 5
	}
	if p.Cooldown < 0 {
		p.Cooldown = 0
	}
	return p
}

func (p Policy) blockFor() time.Duration { return 3 * p.Window }

// Redis shares limits across API replicas.
type Redis struct {
	rdb    redis.UniversalClient
	policy Policy
	prefix string
}

func NewRedis(rdb redis.UniversalClient, p Policy) *Redis {
	return &Redis{rdb: rdb, policy: p.normalized(), prefix: "otp_rate"}
}

func (l *Redis) key(kind, key string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, kind, key)
}

// Allow returns how long the caller must wait, or zero when the request may proceed.
func (l *Redis) Allow(ctx context.Context, key string) (time.Duration, error) {
	blockKey := l.key("block", key)
	lastKey := l.key("last", key)
	countKey := l.key("count", key)

	if ttl, err := l.rdb.PTTL(ctx, blockKey).Result(); err != nil {
		return 0, fmt.Errorf("read block: %w", err)
	} else if ttl > 0 {
		return ttl, nil
	}
	if ttl, err := l.rdb.PTTL(ctx, lastKey).Result(); err != nil {
		return 0, fmt.Errorf("read cooldown: %w", err)
	} else if ttl > 0 {
		return ttl, nil
	}

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, countKey)
	pipe.ExpireNX(ctx, countKey, l.policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count request: %w", err)
	}
	if int(incr.Val()) > l.policy.MaxInWindow {
		if err := l.rdb.Set(ctx, blockKey, "1", l.policy.blockFor()).Err(); err != nil {
			return 0, fmt.Errorf("set block: %w", err)
		}
		return l.policy.blockFor(), nil
	}
	if l.policy.Cooldown > 0 {
		if err := l.rdb.Set(ctx, lastKey, "1", l.policy.Cooldown).Err(); err != nil {
			return 0, fmt.Errorf("set cooldown: %w", err)
		}
	}
	return 0, nil
}

// Local is the single-process equivalent of Redis, backed by token buckets.
type Local struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	entries map[string]*localEntry
}

type localEntry struct {
	bucket       *rate.Limiter
	last         time.Time
	blockedUntil time.Time
}

func NewLocal(p Policy) *Local {
	return &Local{policy: p.normalized(), now: time.Now, entries: make(map[string]*localEntry)}
}

func (l *Local) Allow(_ context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	e, ok := l.entries[key]
	if !ok {
		every := rate.Every(l.policy.Window / time.Duration(l.policy.MaxInWindow))
		e = &localEntry{bucket: rate.NewLimiter(every, l.policy.MaxInWindow)}
		l.entries[key] = e
	}
	if wait := e.blockedUntil.Sub(now); wait > 0 {
		return wait, nil
	}
	if !e.last.IsZero() {
		if wait := e.last.Add(l.policy.Cooldown).Sub(now); wait > 0 {
			return wait, nil
		}
	}
	if !e.bucket.AllowN(now, 1) {
		e.blockedUntil = now.Add(l.policy.blockFor())
		return l.policy.blockFor(), nil
	}
	e.last = now
	l.gc(now)
	return 0, nil
}

// gc drops entries that are idle and not blocked.
func (l *Local) gc(now time.Time) {
	if len(l.entries) < 10000 {
		return
	}
	idle := l.policy.blockFor()
	for k, e := range l.entries {
		if now.After(e.blockedUntil) && now.Sub(e.last) > idle {
			delete(l.entries, k)
		}
	}
}
