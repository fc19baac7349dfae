package sqlite

import (
	"context"
	"fmt"

	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

// Store methods.

// CountOutbox returns how many outbox rows sit in the given state.
func (s *Store) CountOutbox(ctx context.Context, status types.OutboxStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = ?`, string(status)).Scan(&n)
	return n, wrapDBError("count outbox", err)
}

// Transaction methods.

// InsertOutboxEvent appends a domain event in the same transaction as the
// state change it announces. Returns the assigned row id.
func (t *sqliteTx) InsertOutboxEvent(ctx context.Context, runID, eventType, payload string) (int64, error) {
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO outbox (run_id, event_type, payload, status) VALUES (?, ?, ?, ?)`,
		runID, eventType, payload, string(types.OutboxPending))
	if err != nil {
		return 0, wrapDBError("insert outbox event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("insert outbox event", err)
	}
	return id, nil
}

// ListPendingOutbox returns up to limit PENDING rows in insertion order.
// Callers hold the transaction's write lock for the duration, which is what
// keeps two publisher ticks from double-claiming a row.
func (t *sqliteTx) ListPendingOutbox(ctx context.Context, limit int) ([]*types.OutboxEvent, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT id, run_id, event_type, payload, status, attempts, created_at
		 FROM outbox WHERE status = ? ORDER BY id LIMIT ?`,
		string(types.OutboxPending), limit)
	if err != nil {
		return nil, wrapDBError("list pending outbox", err)
	}
	defer rows.Close()

	var events []*types.OutboxEvent
	for rows.Next() {
		var ev types.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &ev.Payload, &ev.Status, &ev.Attempts, &ev.CreatedAt); err != nil {
			return nil, wrapDBError("scan outbox row", err)
		}
		events = append(events, &ev)
	}
	return events, wrapDBError("iterate outbox rows", rows.Err())
}

// MarkOutboxPublished flips a row to PUBLISHED after the bus accepted its
// job. PUBLISHED rows are immutable; re-marking one is a no-op so the
// publisher can safely replay after a crash between submit and commit.
func (t *sqliteTx) MarkOutboxPublished(ctx context.Context, id int64) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE outbox SET status = ? WHERE id = ? AND status = ?`,
		string(types.OutboxPublished), id, string(types.OutboxPending))
	if err != nil {
		return wrapDBError("mark outbox published", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("mark outbox published", err)
	}
	if n == 0 {
		var status string
		err := t.conn.QueryRowContext(ctx, `SELECT status FROM outbox WHERE id = ?`, id).Scan(&status)
		if err != nil {
			return wrapDBError("mark outbox published", err)
		}
		if types.OutboxStatus(status) == types.OutboxPublished {
			return nil
		}
		return fmt.Errorf("outbox row %d is %s: %w", id, status, storage.ErrConflict)
	}
	return nil
}

// MarkOutboxFailed counts a failed bus submission and parks the row as DEAD
// once attempts reach the retry ceiling. No row is ever dropped.
func (t *sqliteTx) MarkOutboxFailed(ctx context.Context, id int64, maxAttempts int) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE outbox
		 SET attempts = attempts + 1,
		     status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END
		 WHERE id = ? AND status = ?`,
		maxAttempts, string(types.OutboxDead), id, string(types.OutboxPending))
	if err != nil {
		return wrapDBError("mark outbox failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("mark outbox failed", err)
	}
	if n == 0 {
		return fmt.Errorf("outbox row %d: %w", id, storage.ErrNotFound)
	}
	return nil
}
