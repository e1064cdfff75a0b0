package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vango-go/studylive/pkg/usage"
)

// UsageStore keeps usage records in the usage_records table.
type UsageStore struct {
	db querier
}

var _ usage.Store = (*UsageStore)(nil)

func NewUsageStore(db querier) *UsageStore {
	return &UsageStore{db: db}
}

const selectUsageSQL = `SELECT sessions_used, minutes_used, updated_at
FROM usage_records WHERE identity_key = $1 AND period = $2`

func (s *UsageStore) Get(ctx context.Context, key, period string) (usage.Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, selectUsageSQL, key, period))
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.Record{}, nil
	}
	return rec, err
}

const incrementSessionsSQL = `INSERT INTO usage_records (identity_key, period, sessions_used)
VALUES ($1, $2, 1)
ON CONFLICT (identity_key, period)
DO UPDATE SET sessions_used = usage_records.sessions_used + 1, updated_at = now()
RETURNING sessions_used, minutes_used, updated_at`

func (s *UsageStore) IncrementSessions(ctx context.Context, key, period string) (usage.Record, error) {
	return scanRecord(s.db.QueryRow(ctx, incrementSessionsSQL, key, period))
}

// The WHERE on the conflict branch makes the check and the increment one
// statement. A limit of zero never inserts.
const incrementSessionsIfBelowSQL = `INSERT INTO usage_records (identity_key, period, sessions_used)
SELECT $1, $2, 1 WHERE $3::int > 0
ON CONFLICT (identity_key, period)
DO UPDATE SET sessions_used = usage_records.sessions_used + 1, updated_at = now()
WHERE usage_records.sessions_used < $3::int
RETURNING sessions_used, minutes_used, updated_at`

func (s *UsageStore) IncrementSessionsIfBelow(ctx context.Context, key, period string, limit int) (usage.Record, bool, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, incrementSessionsIfBelowSQL, key, period, limit))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.Get(ctx, key, period)
		return cur, false, getErr
	}
	if err != nil {
		return usage.Record{}, false, err
	}
	return rec, true, nil
}

const addMinutesSQL = `INSERT INTO usage_records (identity_key, period, minutes_used)
VALUES ($1, $2, $3)
ON CONFLICT (identity_key, period)
DO UPDATE SET minutes_used = usage_records.minutes_used + EXCLUDED.minutes_used, updated_at = now()
RETURNING sessions_used, minutes_used, updated_at`

func (s *UsageStore) AddMinutes(ctx context.Context, key, period string, minutes float64) (usage.Record, error) {
	return scanRecord(s.db.QueryRow(ctx, addMinutesSQL, key, period, minutes))
}

const deleteUsageSQL = `DELETE FROM usage_records WHERE identity_key = $1 AND period = $2`

func (s *UsageStore) Reset(ctx context.Context, key, period string) error {
	if _, err := s.db.Exec(ctx, deleteUsageSQL, key, period); err != nil {
		return fmt.Errorf("reset usage record: %w", err)
	}
	return nil
}

func scanRecord(row interface{ Scan(dest ...any) error }) (usage.Record, error) {
	var (
		rec       usage.Record
		updatedAt time.Time
	)
	if err := row.Scan(&rec.SessionsUsed, &rec.MinutesUsed, &updatedAt); err != nil {
		return usage.Record{}, err
	}
	rec.UpdatedAt = updatedAt
	return rec, nil
}
