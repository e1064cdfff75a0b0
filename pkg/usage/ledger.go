package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

var (
	// ErrLimitReached is returned by Start when the identity has no quota left.
	ErrLimitReached = errors.New("usage: limit reached")
	// ErrNegativeDuration is returned by RecordEnd for durations below zero.
	ErrNegativeDuration = errors.New("usage: negative duration")
)

// PeriodFunc maps a point in time to the accounting period it belongs to.
type PeriodFunc func(time.Time) string

// DailyUTC is the default accounting period: one UTC calendar day.
func DailyUTC(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Status is the quota view returned to callers. Remaining values are
// Unlimited when the plan does not cap them.
type Status struct {
	Allowed           bool    `json:"allowed"`
	Plan              string  `json:"plan"`
	Period            string  `json:"period"`
	SessionsUsed      int     `json:"sessions_used"`
	SessionsLimit     int     `json:"sessions_limit"`
	SessionsRemaining int     `json:"sessions_remaining"`
	MinutesUsed       float64 `json:"minutes_used"`
	MinutesLimit      float64 `json:"minutes_limit"`
	MinutesRemaining  float64 `json:"minutes_remaining"`
	MaxSessionMinutes float64 `json:"max_session_minutes"`
}

// DegradedStatus is reported for a start admitted while the ledger is
// unreachable: nothing was counted, so no cap is advertised.
func DegradedStatus() Status {
	return Status{
		Allowed:           true,
		SessionsLimit:     Unlimited,
		SessionsRemaining: Unlimited,
		MinutesLimit:      Unlimited,
		MinutesRemaining:  Unlimited,
		MaxSessionMinutes: Unlimited,
	}
}

type Dependencies struct {
	Store  Store
	Plans  PlanResolver
	Logger *slog.Logger
	Now    func() time.Time
	Period PeriodFunc
}

// Ledger gates session starts against plan quotas and records consumption.
type Ledger struct {
	store  Store
	plans  PlanResolver
	logger *slog.Logger
	now    func() time.Time
	period PeriodFunc
}

func New(deps Dependencies) (*Ledger, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("usage: store is required")
	}
	if deps.Plans == nil {
		return nil, fmt.Errorf("usage: plan resolver is required")
	}
	l := &Ledger{
		store:  deps.Store,
		plans:  deps.Plans,
		logger: deps.Logger,
		now:    deps.Now,
		period: deps.Period,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.period == nil {
		l.period = DailyUTC
	}
	return l, nil
}

// CanStart reports whether id may start a session now. It has no side effect.
func (l *Ledger) CanStart(ctx context.Context, id Identity) (Status, error) {
	return l.Status(ctx, id)
}

func (l *Ledger) Status(ctx context.Context, id Identity) (Status, error) {
	plan, period, err := l.resolve(ctx, id)
	if err != nil {
		return Status{}, err
	}
	rec, err := l.store.Get(ctx, id.Key, period)
	if err != nil {
		return Status{}, fmt.Errorf("usage: get record: %w", err)
	}
	return evaluate(plan, period, rec), nil
}

// RecordStart counts one session unconditionally. Callers that need the check
// and the increment to be atomic use Start.
func (l *Ledger) RecordStart(ctx context.Context, id Identity) error {
	if id.Key == "" {
		return ErrNoIdentity
	}
	if _, err := l.store.IncrementSessions(ctx, id.Key, l.period(l.now())); err != nil {
		return fmt.Errorf("usage: record start: %w", err)
	}
	return nil
}

// Start checks quota and counts a session in one atomic step. When the
// identity is out of quota it returns the current status and ErrLimitReached.
func (l *Ledger) Start(ctx context.Context, id Identity) (Status, error) {
	plan, period, err := l.resolve(ctx, id)
	if err != nil {
		return Status{}, err
	}
	rec, err := l.store.Get(ctx, id.Key, period)
	if err != nil {
		return Status{}, fmt.Errorf("usage: get record: %w", err)
	}
	st := evaluate(plan, period, rec)
	if !st.Allowed {
		return st, ErrLimitReached
	}

	if plan.UnlimitedSessions() {
		rec, err = l.store.IncrementSessions(ctx, id.Key, period)
	} else {
		var ok bool
		rec, ok, err = l.store.IncrementSessionsIfBelow(ctx, id.Key, period, plan.SessionsLimit)
		if err == nil && !ok {
			return evaluate(plan, period, rec), ErrLimitReached
		}
	}
	if err != nil {
		return Status{}, fmt.Errorf("usage: record start: %w", err)
	}
	st = evaluate(plan, period, rec)
	// The session just counted is already running; the view reports what is
	// left after it.
	st.Allowed = true
	l.logger.Info("usage session started",
		"identity", id.Key,
		"identity_kind", string(id.Kind),
		"plan", plan.Name,
		"sessions_used", rec.SessionsUsed,
	)
	return st, nil
}

// RecordEnd adds the elapsed minutes of a finished session. Calling it twice
// for one session counts twice.
func (l *Ledger) RecordEnd(ctx context.Context, id Identity, minutes float64) (Status, error) {
	if id.Key == "" {
		return Status{}, ErrNoIdentity
	}
	if minutes < 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return Status{}, ErrNegativeDuration
	}
	plan, period, err := l.resolve(ctx, id)
	if err != nil {
		return Status{}, err
	}
	rec, err := l.store.AddMinutes(ctx, id.Key, period, minutes)
	if err != nil {
		return Status{}, fmt.Errorf("usage: record end: %w", err)
	}
	return evaluate(plan, period, rec), nil
}

// Reset clears the current period's record for id.
func (l *Ledger) Reset(ctx context.Context, id Identity) error {
	if id.Key == "" {
		return ErrNoIdentity
	}
	if err := l.store.Reset(ctx, id.Key, l.period(l.now())); err != nil {
		return fmt.Errorf("usage: reset: %w", err)
	}
	return nil
}

func (l *Ledger) resolve(ctx context.Context, id Identity) (Plan, string, error) {
	if id.Key == "" {
		return Plan{}, "", ErrNoIdentity
	}
	plan, err := l.plans.ResolvePlan(ctx, id)
	if err != nil {
		return Plan{}, "", fmt.Errorf("usage: resolve plan: %w", err)
	}
	return plan, l.period(l.now()), nil
}

func evaluate(plan Plan, period string, rec Record) Status {
	st := Status{
		Plan:              plan.Name,
		Period:            period,
		SessionsUsed:      rec.SessionsUsed,
		SessionsLimit:     plan.SessionsLimit,
		SessionsRemaining: Unlimited,
		MinutesUsed:       rec.MinutesUsed,
		MinutesLimit:      plan.MinutesLimit,
		MinutesRemaining:  Unlimited,
		MaxSessionMinutes: plan.MaxSessionMinutes,
	}
	sessionsOK := plan.UnlimitedSessions() || rec.SessionsUsed < plan.SessionsLimit
	minutesOK := plan.UnlimitedMinutes() || rec.MinutesUsed < plan.MinutesLimit
	st.Allowed = sessionsOK && minutesOK

	if !plan.UnlimitedSessions() {
		st.SessionsRemaining = max(0, plan.SessionsLimit-rec.SessionsUsed)
	}
	if !plan.UnlimitedMinutes() {
		st.MinutesRemaining = math.Max(0, plan.MinutesLimit-rec.MinutesUsed)
		if st.MinutesRemaining < st.MaxSessionMinutes {
			st.MaxSessionMinutes = st.MinutesRemaining
		}
	}
	return st
}
