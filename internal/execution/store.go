package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ggonzalez94/defichat/internal/storage"
)

var ErrRecordNotFound = errors.New("execution record not found")

// Journal persists execution records in the executions table.
type Journal struct {
	db *storage.DB
}

func NewJournal(db *storage.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Save(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ExecutionID) == "" {
		return fmt.Errorf("save execution: missing execution id")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	return j.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO executions (execution_id, user_platform_id, status, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(execution_id) DO UPDATE SET
				status=excluded.status,
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`), rec.ExecutionID, rec.UserPlatformID, string(rec.Status), created.UnixMilli(), updated.UnixMilli(), string(payload))
		if err != nil {
			return fmt.Errorf("save execution: %w", err)
		}
		return nil
	})
}

func (j *Journal) Get(ctx context.Context, userPlatformID, executionID string) (Record, error) {
	var payload string
	q := j.db.X().Rebind("SELECT payload FROM executions WHERE execution_id = ? AND user_platform_id = ?")
	if err := j.db.X().GetContext(ctx, &payload, q, executionID, userPlatformID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("read execution: %w", err)
	}
	return decodeRecord(payload)
}

// List returns the user's records, most recently updated first. An empty
// status matches every status.
func (j *Journal) List(ctx context.Context, userPlatformID, status string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		payloads []string
		err      error
	)
	if strings.TrimSpace(status) == "" {
		q := j.db.X().Rebind("SELECT payload FROM executions WHERE user_platform_id = ? ORDER BY updated_at DESC LIMIT ?")
		err = j.db.X().SelectContext(ctx, &payloads, q, userPlatformID, limit)
	} else {
		q := j.db.X().Rebind("SELECT payload FROM executions WHERE user_platform_id = ? AND status = ? ORDER BY updated_at DESC LIMIT ?")
		err = j.db.X().SelectContext(ctx, &payloads, q, userPlatformID, strings.TrimSpace(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]Record, 0, len(payloads))
	for _, p := range payloads {
		rec, err := decodeRecord(p)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(payload string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, fmt.Errorf("decode execution payload: %w", err)
	}
	return rec, nil
}
