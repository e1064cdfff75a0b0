package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vango-go/studylive/pkg/live/state"
)

// Gateway persists live sessions and their transcripts.
type Gateway struct {
	db querier
}

var _ state.Gateway = (*Gateway)(nil)

func NewGateway(db querier) *Gateway {
	return &Gateway{db: db}
}

const insertSessionSQL = `INSERT INTO live_sessions
  (session_id, owner, language, education_level, subject, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id::text`

func (g *Gateway) CreateSession(ctx context.Context, rec state.SessionRecord) (string, error) {
	var id string
	err := g.db.QueryRow(ctx, insertSessionSQL,
		rec.SessionID, rec.Owner, rec.Language, rec.EducationLevel, rec.Subject,
		string(rec.Status), rec.StartedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert live session: %w", err)
	}
	return id, nil
}

const insertMessageSQL = `INSERT INTO live_messages
  (id, live_session_id, role, type, content, metadata, created_at)
VALUES ($1, $2::uuid, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

func (g *Gateway) AppendMessage(ctx context.Context, recordID string, msg state.Message) error {
	var meta []byte
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		meta = b
	}
	_, err := g.db.Exec(ctx, insertMessageSQL,
		msg.ID, recordID, string(msg.Role), string(msg.Type), msg.Content, meta, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert live message: %w", err)
	}
	return nil
}

func (g *Gateway) UpdateSession(ctx context.Context, recordID string, patch state.Patch) error {
	sql, args := updateSessionSQL(recordID, patch)
	if sql == "" {
		return nil
	}
	if _, err := g.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("update live session: %w", err)
	}
	return nil
}

// updateSessionSQL builds an UPDATE touching only the fields set in patch.
// It returns "" when there is nothing to write.
func updateSessionSQL(recordID string, patch state.Patch) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.EndedAt != nil {
		add("ended_at", *patch.EndedAt)
	}
	if patch.DurationMinutes != nil {
		add("duration_minutes", *patch.DurationMinutes)
	}
	if patch.MessageCount != nil {
		add("message_count", *patch.MessageCount)
	}
	if patch.ToolCallsCount != nil {
		add("tool_calls_count", *patch.ToolCallsCount)
	}
	if len(sets) == 0 {
		return "", nil
	}
	args = append(args, recordID)
	sql := "UPDATE live_sessions SET " + strings.Join(sets, ", ") +
		", updated_at = now() WHERE id = $" + strconv.Itoa(len(args)) + "::uuid"
	return sql, args
}
