package bridge

import (
	"testing"
	"time"
)

func TestInboundLimiter_AllowsWithinBurstThenDenies(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 1, 0, 2)
	for i := 0; i < 2; i++ {
		if ok, _ := lim.Allow(10); !ok {
			t.Fatalf("expected allow %d", i)
		}
	}
	ok, first := lim.Allow(10)
	if ok || !first {
		t.Fatalf("ok=%v first=%v, want deny on first", ok, first)
	}
	ok, first = lim.Allow(10)
	if ok || first {
		t.Fatalf("ok=%v first=%v, want repeated deny", ok, first)
	}
}

func TestInboundLimiter_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 10, 0, 2)
	for i := 0; i < 20; i++ {
		if ok, _ := lim.Allow(1); !ok {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if ok, _ := lim.Allow(1); ok {
		t.Fatalf("expected deny once tokens exhausted")
	}

	now = now.Add(100 * time.Millisecond)
	if ok, _ := lim.Allow(1); !ok {
		t.Fatalf("expected allow after refill")
	}
	if ok, first := lim.Allow(1); ok || !first {
		t.Fatalf("ok=%v first=%v after refill run", ok, first)
	}
}

func TestInboundLimiter_BytesPerSecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 0, 100, 2)
	if ok, _ := lim.Allow(150); !ok {
		t.Fatalf("expected allow 150 bytes")
	}
	if ok, _ := lim.Allow(60); ok {
		t.Fatalf("expected deny 60 bytes")
	}
}

func TestInboundLimiter_NilAllowsEverything(t *testing.T) {
	lim := newInboundAudioLimiter(nil, 0, 0, 0)
	if lim != nil {
		t.Fatalf("expected nil limiter when both rates are zero")
	}
	if ok, _ := lim.Allow(1 << 20); !ok {
		t.Fatalf("nil limiter should allow")
	}
}
