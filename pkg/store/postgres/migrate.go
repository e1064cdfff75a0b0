package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Direction string

const (
	Up     Direction = "up"
	Down   Direction = "down"
	Status Direction = "status"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Up, Down, Status:
		return d, nil
	case "":
		return Up, nil
	default:
		return "", fmt.Errorf("unknown migration direction %q (want up, down or status)", s)
	}
}

// MigrationState is one line of migrate output.
type MigrationState struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
	Duration  time.Duration
}

// Migrate applies, rolls back one, or reports the embedded migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir Direction) ([]MigrationState, error) {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	defer provider.Close()

	switch dir {
	case Up:
		results, err := provider.Up(ctx)
		if err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		out := make([]MigrationState, 0, len(results))
		for _, r := range results {
			out = append(out, resultState(r))
		}
		return out, nil
	case Down:
		r, err := provider.Down(ctx)
		if err != nil {
			if errors.Is(err, goose.ErrNoNextVersion) {
				return nil, nil
			}
			return nil, fmt.Errorf("migrate down: %w", err)
		}
		return []MigrationState{resultState(r)}, nil
	case Status:
		statuses, err := provider.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("migrate status: %w", err)
		}
		out := make([]MigrationState, 0, len(statuses))
		for _, s := range statuses {
			st := MigrationState{Applied: s.State == goose.StateApplied, AppliedAt: s.AppliedAt}
			if s.Source != nil {
				st.Version, st.Path = s.Source.Version, s.Source.Path
			}
			out = append(out, st)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown migration direction %q", dir)
	}
}

func resultState(r *goose.MigrationResult) MigrationState {
	st := MigrationState{Applied: r.Direction == "up", Duration: r.Duration}
	if r.Source != nil {
		st.Version, st.Path = r.Source.Version, r.Source.Path
	}
	return st
}
