package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

// Store methods.

// GetDirectorySummary returns one directory's summary within a run.
func (s *Store) GetDirectorySummary(ctx context.Context, runID, dir string) (*types.DirectorySummary, error) {
	var ds types.DirectorySummary
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, directory_path, summary_text FROM directory_summaries
		 WHERE run_id = ? AND directory_path = ?`, runID, dir).
		Scan(&ds.RunID, &ds.DirectoryPath, &ds.SummaryText)
	if err != nil {
		return nil, wrapDBError("get directory summary", err)
	}
	return &ds, nil
}

// ListDirectorySummaries returns every summary of a run in path order, the
// input of the global resolution pass.
func (s *Store) ListDirectorySummaries(ctx context.Context, runID string) ([]*types.DirectorySummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, directory_path, summary_text FROM directory_summaries
		 WHERE run_id = ? ORDER BY directory_path`, runID)
	if err != nil {
		return nil, wrapDBError("list directory summaries", err)
	}
	defer rows.Close()

	var out []*types.DirectorySummary
	for rows.Next() {
		var ds types.DirectorySummary
		if err := rows.Scan(&ds.RunID, &ds.DirectoryPath, &ds.SummaryText); err != nil {
			return nil, wrapDBError("scan directory summary", err)
		}
		out = append(out, &ds)
	}
	return out, wrapDBError("iterate directory summaries", rows.Err())
}

// ListPendingRefactors returns unapplied refactor tasks in insertion order.
// The ingestor applies these before merging any nodes.
func (s *Store) ListPendingRefactors(ctx context.Context, limit int) ([]*types.RefactorTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_type, old_path, new_path, poi_id_map, status FROM refactor_tasks
		 WHERE status = ? ORDER BY id LIMIT ?`,
		string(types.RefactorPending), limit)
	if err != nil {
		return nil, wrapDBError("list pending refactors", err)
	}
	defer rows.Close()

	var tasks []*types.RefactorTask
	for rows.Next() {
		var task types.RefactorTask
		var rawMap string
		if err := rows.Scan(&task.ID, &task.Type, &task.OldPath, &task.NewPath, &rawMap, &task.Status); err != nil {
			return nil, wrapDBError("scan refactor task", err)
		}
		if rawMap != "" && rawMap != "{}" {
			if err := json.Unmarshal([]byte(rawMap), &task.POIIDMap); err != nil {
				return nil, fmt.Errorf("decode poi id map for refactor %d: %w", task.ID, err)
			}
		}
		tasks = append(tasks, &task)
	}
	return tasks, wrapDBError("iterate refactor tasks", rows.Err())
}

// GetScanSnapshot returns the (path, checksum) set from the last completed
// scan of rootPath. An empty map means no scan has completed yet.
func (s *Store) GetScanSnapshot(ctx context.Context, rootPath string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, checksum FROM scan_snapshots WHERE root_path = ?`, rootPath)
	if err != nil {
		return nil, wrapDBError("get scan snapshot", err)
	}
	defer rows.Close()

	snapshot := make(map[string]string)
	for rows.Next() {
		var path, checksum string
		if err := rows.Scan(&path, &checksum); err != nil {
			return nil, wrapDBError("scan snapshot row", err)
		}
		snapshot[path] = checksum
	}
	return snapshot, wrapDBError("iterate snapshot rows", rows.Err())
}

// Transaction methods.

// UpsertDirectorySummary writes a directory's summary, replacing any
// earlier one from the same run.
func (t *sqliteTx) UpsertDirectorySummary(ctx context.Context, ds *types.DirectorySummary) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO directory_summaries (run_id, directory_path, summary_text)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, directory_path) DO UPDATE SET summary_text = excluded.summary_text`,
		ds.RunID, ds.DirectoryPath, ds.SummaryText)
	return wrapDBError("upsert directory summary", err)
}

// InsertRefactorTask records a rename or deletion for the graph ingestor.
func (t *sqliteTx) InsertRefactorTask(ctx context.Context, task *types.RefactorTask) error {
	rawMap := "{}"
	if len(task.POIIDMap) > 0 {
		encoded, err := json.Marshal(task.POIIDMap)
		if err != nil {
			return fmt.Errorf("encode poi id map: %w", err)
		}
		rawMap = string(encoded)
	}
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO refactor_tasks (task_type, old_path, new_path, poi_id_map, status)
		 VALUES (?, ?, ?, ?, ?)`,
		string(task.Type), task.OldPath, task.NewPath, rawMap, string(types.RefactorPending))
	if err != nil {
		return wrapDBError("insert refactor task", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		task.ID = id
	}
	return nil
}

// MarkRefactorApplied flips a refactor task once the graph commit includes
// it.
func (t *sqliteTx) MarkRefactorApplied(ctx context.Context, id int64) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE refactor_tasks SET status = ? WHERE id = ?`,
		string(types.RefactorApplied), id)
	if err != nil {
		return wrapDBError("mark refactor applied", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("mark refactor applied", err)
	}
	if n == 0 {
		return fmt.Errorf("refactor task %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ReplaceScanSnapshot swaps in the (path, checksum) set of a completed scan.
func (t *sqliteTx) ReplaceScanSnapshot(ctx context.Context, rootPath string, entries []storage.SnapshotEntry) error {
	if _, err := t.conn.ExecContext(ctx,
		`DELETE FROM scan_snapshots WHERE root_path = ?`, rootPath); err != nil {
		return wrapDBError("clear scan snapshot", err)
	}
	for _, e := range entries {
		if _, err := t.conn.ExecContext(ctx,
			`INSERT INTO scan_snapshots (root_path, path, checksum) VALUES (?, ?, ?)`,
			rootPath, e.Path, e.Checksum); err != nil {
			return wrapDBError("write scan snapshot", err)
		}
	}
	return nil
}
