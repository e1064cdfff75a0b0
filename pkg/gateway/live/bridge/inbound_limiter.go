package bridge

import "time"

// tokenBucket is a single-rate bucket holding up to rate*burst tokens.
type tokenBucket struct {
	rate   int64
	max    int64
	tokens int64
}

func (b *tokenBucket) refill(elapsed time.Duration) {
	if b.rate <= 0 {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens = min(b.tokens+add, b.max)
}

func (b *tokenBucket) has(n int64) bool { return b.rate <= 0 || b.tokens >= n }

func (b *tokenBucket) take(n int64) {
	if b.rate > 0 {
		b.tokens -= n
	}
}

// inboundAudioLimiter bounds browser audio by frames and bytes per second.
// Only the reader goroutine uses it.
type inboundAudioLimiter struct {
	now        func() time.Time
	frames     tokenBucket
	bytes      tokenBucket
	lastRefill time.Time
	limited    bool
}

// newInboundAudioLimiter returns nil, which allows everything, when both
// rates are zero.
func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	burst := int64(burstSeconds)
	l := &inboundAudioLimiter{
		now:        now,
		frames:     tokenBucket{rate: int64(fps), max: int64(fps) * burst, tokens: int64(fps) * burst},
		bytes:      tokenBucket{rate: bps, max: bps * burst, tokens: bps * burst},
		lastRefill: now(),
	}
	return l
}

// Allow consumes one frame of n bytes. The second result is true only on
// the first denial after a run of allowed frames.
func (l *inboundAudioLimiter) Allow(n int) (allowed, firstDenial bool) {
	if l == nil {
		return true, false
	}
	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}
	size := int64(max(n, 0))
	if !l.frames.has(1) || !l.bytes.has(size) {
		first := !l.limited
		l.limited = true
		return false, first
	}
	l.frames.take(1)
	l.bytes.take(size)
	l.limited = false
	return true, false
}
