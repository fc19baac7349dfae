package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

// CreateRun records a new pipeline execution. The run id must be unique;
// a duplicate insert surfaces as storage.ErrConflict.
func (s *Store) CreateRun(ctx context.Context, run *types.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	status := run.Status
	if status == "" {
		status = types.RunActive
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, root_path, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.RootPath, string(status), startedAt)
	return wrapDBError("create run", err)
}

// GetRun returns one run row by id.
func (s *Store) GetRun(ctx context.Context, id string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, root_path, status, started_at, finished_at FROM runs WHERE id = ?`, id)

	var r types.Run
	var finishedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.RootPath, &r.Status, &r.StartedAt, &finishedAt); err != nil {
		return nil, wrapDBError("get run", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// FinishRun closes out a run. Finishing is one-way: a run that already
// carries a terminal status is left untouched and reported as a conflict.
func (s *Store) FinishRun(ctx context.Context, id string, status types.RunStatus, finishedAt time.Time) error {
	if status != types.RunCompleted && status != types.RunFailed {
		return fmt.Errorf("finish run: %s is not a terminal status", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
		string(status), finishedAt.UTC(), id, string(types.RunActive))
	if err != nil {
		return wrapDBError("finish run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("finish run", err)
	}
	if n == 0 {
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("finish run %s: %w", id, storage.ErrConflict)
	}
	return nil
}

// GetStatistics aggregates pipeline state for the status command and the
// health endpoint. Each count comes from its own query; a snapshot taken
// while workers are writing is approximate, which is fine for reporting.
func (s *Store) GetStatistics(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{
		FilesByStatus:         make(map[types.FileStatus]int64),
		RelationshipsByStatus: make(map[types.RelationshipStatus]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM files GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("count files", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapDBError("scan file count", err)
		}
		stats.FilesByStatus[types.FileStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate file counts", err)
	}

	relRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM resolved_relationships GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("count relationships", err)
	}
	defer relRows.Close()
	for relRows.Next() {
		var status string
		var n int64
		if err := relRows.Scan(&status, &n); err != nil {
			return nil, wrapDBError("scan relationship count", err)
		}
		stats.RelationshipsByStatus[types.RelationshipStatus(status)] = n
	}
	if err := relRows.Err(); err != nil {
		return nil, wrapDBError("iterate relationship counts", err)
	}

	scalars := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{&stats.PoiCount, `SELECT COUNT(*) FROM points_of_interest`, nil},
		{&stats.EvidenceCount, `SELECT COUNT(*) FROM relationship_evidence`, nil},
		{&stats.OutboxPending, `SELECT COUNT(*) FROM outbox WHERE status = ?`, []any{string(types.OutboxPending)}},
		{&stats.OutboxDead, `SELECT COUNT(*) FROM outbox WHERE status = ?`, []any{string(types.OutboxDead)}},
		{&stats.PendingRefactors, `SELECT COUNT(*) FROM refactor_tasks WHERE status = ?`, []any{string(types.RefactorPending)}},
	}
	for _, sc := range scalars {
		if err := s.db.QueryRowContext(ctx, sc.query, sc.args...).Scan(sc.dest); err != nil {
			return nil, wrapDBError("count rows", err)
		}
	}
	return stats, nil
}
