package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testPlan(sessions int, minutes, maxMinutes float64) Plan {
	return Plan{Name: "test", SessionsLimit: sessions, MinutesLimit: minutes, MaxSessionMinutes: maxMinutes}
}

func newTestLedger(t *testing.T, plan Plan, store Store) *Ledger {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	l, err := New(Dependencies{
		Store:  store,
		Plans:  PlanResolverFunc(func(context.Context, Identity) (Plan, error) { return plan, nil }),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

var guest = Identity{Kind: KindGuest, Key: "guest:abc"}

func TestLedger_ScenarioC(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testPlan(2, 30, 15), nil)
	for i := 0; i < 2; i++ {
		if err := l.RecordStart(ctx, guest); err != nil {
			t.Fatal(err)
		}
	}
	st, err := l.CanStart(ctx, guest)
	if err != nil {
		t.Fatal(err)
	}
	if st.Allowed || st.SessionsUsed != 2 || st.SessionsRemaining != 0 {
		t.Fatalf("status=%+v, want denied with 2 used", st)
	}
	if err := l.Reset(ctx, guest); err != nil {
		t.Fatal(err)
	}
	st, _ = l.CanStart(ctx, guest)
	if !st.Allowed || st.SessionsRemaining != 2 {
		t.Fatalf("after reset status=%+v, want allowed", st)
	}
}

func TestLedger_RecordStartEndIsPerIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newTestLedger(t, testPlan(5, 60, 30), store)
	other := Identity{Kind: KindUser, Key: "user:42"}

	if err := l.RecordStart(ctx, guest); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordEnd(ctx, guest, 5); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.Get(ctx, guest.Key, "2026-03-01")
	if rec.SessionsUsed != 1 || rec.MinutesUsed != 5 {
		t.Fatalf("guest record=%+v, want 1 session / 5 minutes", rec)
	}
	rec, _ = store.Get(ctx, other.Key, "2026-03-01")
	if rec.SessionsUsed != 0 || rec.MinutesUsed != 0 {
		t.Fatalf("other record=%+v, want untouched", rec)
	}
	st, _ := l.Status(ctx, other)
	if !st.Allowed || st.SessionsRemaining != 5 || st.MinutesRemaining != 60 {
		t.Fatalf("other status=%+v", st)
	}
}

func TestLedger_RaisedLimitAllowsImmediately(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var mu sync.Mutex
	plan := testPlan(2, 30, 15)
	l, err := New(Dependencies{
		Store: store,
		Plans: PlanResolverFunc(func(context.Context, Identity) (Plan, error) {
			mu.Lock()
			defer mu.Unlock()
			return plan, nil
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := l.RecordStart(ctx, guest); err != nil {
			t.Fatal(err)
		}
	}
	if st, _ := l.CanStart(ctx, guest); st.Allowed {
		t.Fatalf("status=%+v, want denied at 2/2", st)
	}

	mu.Lock()
	plan.SessionsLimit = 3
	mu.Unlock()

	st, err := l.CanStart(ctx, guest)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Allowed || st.SessionsRemaining != 1 {
		t.Fatalf("status=%+v, want allowed with 1 remaining", st)
	}
	rec, _ := store.Get(ctx, guest.Key, "2026-03-01")
	if rec.SessionsUsed != 2 {
		t.Fatalf("sessions used=%d, want 2 (CanStart has no side effect)", rec.SessionsUsed)
	}
}

func TestLedger_MinutesExhausted(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testPlan(10, 20, 15), nil)
	if _, err := l.RecordEnd(ctx, guest, 12.5); err != nil {
		t.Fatal(err)
	}
	st, _ := l.CanStart(ctx, guest)
	if !st.Allowed || st.MinutesRemaining != 7.5 {
		t.Fatalf("status=%+v", st)
	}
	if st.MaxSessionMinutes != 7.5 {
		t.Fatalf("max session minutes=%v, want capped to 7.5", st.MaxSessionMinutes)
	}
	if _, err := l.RecordEnd(ctx, guest, 7.5); err != nil {
		t.Fatal(err)
	}
	st, _ = l.CanStart(ctx, guest)
	if st.Allowed || st.MinutesRemaining != 0 {
		t.Fatalf("status=%+v, want denied", st)
	}
}

func TestLedger_UnlimitedShortCircuits(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testPlan(Unlimited, Unlimited, 120), nil)
	for i := 0; i < 50; i++ {
		if _, err := l.Start(ctx, guest); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if _, err := l.RecordEnd(ctx, guest, 10_000); err != nil {
		t.Fatal(err)
	}
	st, _ := l.CanStart(ctx, guest)
	if !st.Allowed || st.SessionsRemaining != Unlimited || st.MinutesRemaining != Unlimited {
		t.Fatalf("status=%+v", st)
	}
	if st.MaxSessionMinutes != 120 {
		t.Fatalf("max=%v", st.MaxSessionMinutes)
	}
}

func TestLedger_StartRejectsWithoutSideEffect(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newTestLedger(t, testPlan(1, 30, 15), store)
	st, err := l.Start(ctx, guest)
	if err != nil || !st.Allowed || st.SessionsUsed != 1 {
		t.Fatalf("first start st=%+v err=%v", st, err)
	}
	st, err = l.Start(ctx, guest)
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("err=%v, want ErrLimitReached", err)
	}
	if st.Allowed || st.SessionsUsed != 1 {
		t.Fatalf("rejected st=%+v", st)
	}
	rec, _ := store.Get(ctx, guest.Key, "2026-03-01")
	if rec.SessionsUsed != 1 {
		t.Fatalf("sessions used=%d, want 1", rec.SessionsUsed)
	}
}

func TestLedger_StartIsAtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testPlan(3, 30, 15), nil)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Start(ctx, guest); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if started != 3 {
		t.Fatalf("started=%d, want 3", started)
	}
}

func TestLedger_RecordEndValidation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testPlan(1, 30, 15), nil)
	if _, err := l.RecordEnd(ctx, guest, -1); !errors.Is(err, ErrNegativeDuration) {
		t.Fatalf("err=%v, want ErrNegativeDuration", err)
	}
	if _, err := l.RecordEnd(ctx, Identity{}, 1); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err=%v, want ErrNoIdentity", err)
	}
	st, err := l.RecordEnd(ctx, guest, 0)
	if err != nil || st.MinutesUsed != 0 {
		t.Fatalf("zero duration st=%+v err=%v", st, err)
	}
}

func TestLedger_PeriodIsUTCDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	store := NewMemoryStore()
	l, _ := New(Dependencies{
		Store: store,
		Plans: PlanResolverFunc(func(context.Context, Identity) (Plan, error) { return testPlan(1, 30, 15), nil }),
		Now:   func() time.Time { return now },
	})
	if _, err := l.Start(ctx, guest); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	st, err := l.Start(ctx, guest)
	if err != nil {
		t.Fatalf("next day start: %v", err)
	}
	if st.Period != "2026-03-02" {
		t.Fatalf("period=%q", st.Period)
	}
}

func TestLedger_PlanResolverError(t *testing.T) {
	boom := errors.New("boom")
	l, _ := New(Dependencies{
		Store: NewMemoryStore(),
		Plans: PlanResolverFunc(func(context.Context, Identity) (Plan, error) { return Plan{}, boom }),
	})
	if _, err := l.CanStart(context.Background(), guest); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped boom", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Dependencies{Plans: CatalogResolver{}}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := New(Dependencies{Store: NewMemoryStore()}); err == nil {
		t.Fatal("expected error without plans")
	}
}

func TestDegradedStatus_AdvertisesNoCap(t *testing.T) {
	st := DegradedStatus()
	if !st.Allowed || st.SessionsRemaining != Unlimited || st.MinutesRemaining != Unlimited || st.MaxSessionMinutes != Unlimited {
		t.Fatalf("status=%+v", st)
	}
}
