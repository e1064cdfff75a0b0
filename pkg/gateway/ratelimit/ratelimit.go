// Package ratelimit meters HTTP requests per principal and concurrent live
// sessions per usage identity. State is in memory and single-process only.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/vango-go/studylive/pkg/usage"
)

type Config struct {
	RPS                   float64
	Burst                 int
	MaxConcurrentRequests int

	// Concurrent live sessions per signed-in user. Guests use
	// LiveSessionsPerGuest, or the user cap when that is zero. Zero is no cap.
	LiveSessionsPerUser  int
	LiveSessionsPerGuest int

	// Bounds for the request principal map.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu       sync.Mutex
	requests map[string]*requestState
	// live counts active sessions by identity key; zero entries are removed.
	live map[string]int
}

type requestState struct {
	bucket   tokenBucket
	inFlight int
	lastSeen time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:      cfg,
		requests: make(map[string]*requestState),
		live:     make(map[string]int),
	}
}

// PrincipalKey hashes a raw credential or address under prefix so limiter
// keys and logs never carry the value itself.
func PrincipalKey(prefix, value string) string {
	sum := sha256.Sum256([]byte(value))
	return prefix + "_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the slot. It is safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	// Limit is the cap that applied, zero when uncapped.
	Limit  int
	Permit *Permit
}

// AcquireRequest spends one token from the principal's bucket and takes a
// concurrent request slot.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.requestStateLocked(principal, now)
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if retryAfter := st.bucket.take(now, l.cfg.RPS, float64(l.cfg.Burst)); retryAfter > 0 {
			return Decision{RetryAfter: retryAfter, Limit: l.cfg.Burst}
		}
	}
	if limit := l.cfg.MaxConcurrentRequests; limit > 0 {
		if st.inFlight >= limit {
			return Decision{RetryAfter: 1, Limit: limit}
		}
		st.inFlight++
		return Decision{Allowed: true, Limit: limit, Permit: &Permit{release: func() {
			l.mu.Lock()
			st.inFlight--
			l.mu.Unlock()
		}}}
	}
	return Decision{Allowed: true, Permit: &Permit{}}
}

// AcquireLiveSession reserves one of the identity's concurrent live session
// slots. The permit must be released when the session ends.
func (l *Limiter) AcquireLiveSession(id usage.Identity) Decision {
	limit := l.liveCap(id.Kind)
	key := id.Key
	if key == "" {
		key = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit > 0 && l.live[key] >= limit {
		return Decision{RetryAfter: 1, Limit: limit}
	}
	l.live[key]++
	return Decision{Allowed: true, Limit: limit, Permit: &Permit{release: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.live[key] <= 1 {
			delete(l.live, key)
			return
		}
		l.live[key]--
	}}}
}

// LiveSessions reports how many live session slots the identity holds.
func (l *Limiter) LiveSessions(id usage.Identity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live[id.Key]
}

func (l *Limiter) liveCap(kind usage.IdentityKind) int {
	if kind == usage.KindGuest && l.cfg.LiveSessionsPerGuest > 0 {
		return l.cfg.LiveSessionsPerGuest
	}
	return l.cfg.LiveSessionsPerUser
}

func (l *Limiter) requestStateLocked(principal string, now time.Time) *requestState {
	if st, ok := l.requests[principal]; ok {
		st.lastSeen = now
		return st
	}
	if len(l.requests) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	st := &requestState{lastSeen: now}
	l.requests[principal] = st
	return st
}

// evictLocked drops idle principals; if none are idle it drops one that has
// nothing in flight so the map stays bounded.
func (l *Limiter) evictLocked(now time.Time) {
	for k, st := range l.requests {
		if now.Sub(st.lastSeen) > l.cfg.EntryTTL {
			delete(l.requests, k)
		}
	}
	if len(l.requests) < l.cfg.MaxEntries {
		return
	}
	for k, st := range l.requests {
		if st.inFlight == 0 {
			delete(l.requests, k)
			return
		}
	}
}

// take spends one token and returns 0, or the whole seconds until a token
// is available.
func (b *tokenBucket) take(now time.Time, rps, capacity float64) int {
	if b.last.IsZero() {
		b.tokens, b.last = capacity, now
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*rps)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return max(1, int(math.Ceil((1-b.tokens)/rps)))
}
