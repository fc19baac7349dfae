package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

// querier is satisfied by both *sql.DB and *sql.Conn so the Store and
// Transaction methods can share one implementation per operation.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const fileColumns = `path, checksum, language, special_file_type, status, error_message, last_processed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*types.File, error) {
	var f types.File
	var lastProcessed sql.NullTime
	err := row.Scan(&f.Path, &f.Checksum, &f.Language, &f.SpecialType, &f.Status, &f.ErrorMessage, &lastProcessed)
	if err != nil {
		return nil, err
	}
	if lastProcessed.Valid {
		t := lastProcessed.Time
		f.LastProcessed = &t
	}
	return &f, nil
}

func getFile(ctx context.Context, q querier, path string) (*types.File, error) {
	row := q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	f, err := scanFile(row)
	if err != nil {
		return nil, wrapDBError("get file", err)
	}
	return f, nil
}

func upsertFile(ctx context.Context, q querier, f *types.File) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO files (path, checksum, language, special_file_type, status, error_message, last_processed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			checksum = excluded.checksum,
			language = excluded.language,
			special_file_type = excluded.special_file_type,
			status = excluded.status,
			error_message = excluded.error_message`,
		f.Path, f.Checksum, f.Language, string(f.SpecialType), string(f.Status), f.ErrorMessage, f.LastProcessed)
	return wrapDBError("upsert file", err)
}

// updateFileStatus flips a file's lifecycle state. The allowed source states
// for the requested target are folded into the WHERE clause, so an illegal
// transition is refused atomically rather than checked-then-raced.
func updateFileStatus(ctx context.Context, q querier, path string, status types.FileStatus, errorMessage string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid file status: %s", status)
	}

	allowed := allowedSources(status)
	placeholders := strings.Repeat("?,", len(allowed))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{string(status), errorMessage}
	query := `UPDATE files SET status = ?, error_message = ?`
	if status.IsTerminal() {
		query += `, last_processed = ?`
		args = append(args, time.Now().UTC())
	}
	query += ` WHERE path = ? AND status IN (` + placeholders + `)`
	args = append(args, path)
	for _, s := range allowed {
		args = append(args, string(s))
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapDBError("update file status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update file status", err)
	}
	if n == 0 {
		// Distinguish a missing row from a forbidden transition.
		if _, getErr := getFile(ctx, q, path); getErr != nil {
			return getErr
		}
		return fmt.Errorf("transition to %s: %w", status, storage.ErrConflict)
	}
	return nil
}

// allowedSources lists every state the lifecycle permits moving to next
// from, derived from the single transition table on types.FileStatus.
func allowedSources(next types.FileStatus) []types.FileStatus {
	all := []types.FileStatus{
		types.FileStatusPending, types.FileStatusProcessing, types.FileStatusCompleted,
		types.FileStatusSkippedTooLarge, types.FileStatusFailedNotFound,
		types.FileStatusFailedLLM, types.FileStatusFailedValidation, types.FileStatusDeletedOnDisk,
	}
	var out []types.FileStatus
	for _, from := range all {
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

func listFilesByStatus(ctx context.Context, q querier, status types.FileStatus, limit int) ([]*types.File, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE status = ? ORDER BY path LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, wrapDBError("list files by status", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// listFilesInDirectory returns the direct children of dir, not descendants
// of its subdirectories. dir "." means the repository root.
func listFilesInDirectory(ctx context.Context, q querier, dir string) ([]*types.File, error) {
	var rows *sql.Rows
	var err error
	if dir == "." || dir == "" {
		rows, err = q.QueryContext(ctx,
			`SELECT `+fileColumns+` FROM files WHERE path NOT GLOB '*/*' ORDER BY path`)
	} else {
		rows, err = q.QueryContext(ctx,
			`SELECT `+fileColumns+` FROM files WHERE path GLOB ? AND path NOT GLOB ? ORDER BY path`,
			dir+`/*`, dir+`/*/*`)
	}
	if err != nil {
		return nil, wrapDBError("list files in directory", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

func collectFiles(rows *sql.Rows) ([]*types.File, error) {
	var files []*types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, wrapDBError("scan file row", err)
		}
		files = append(files, f)
	}
	return files, wrapDBError("iterate file rows", rows.Err())
}

// Store methods.

// GetFile returns the file row for path.
func (s *Store) GetFile(ctx context.Context, path string) (*types.File, error) {
	return getFile(ctx, s.db, path)
}

// ListFilesByStatus returns up to limit files in the given lifecycle state.
func (s *Store) ListFilesByStatus(ctx context.Context, status types.FileStatus, limit int) ([]*types.File, error) {
	return listFilesByStatus(ctx, s.db, status, limit)
}

// ListFilesInDirectory returns the files directly inside dir.
func (s *Store) ListFilesInDirectory(ctx context.Context, dir string) ([]*types.File, error) {
	return listFilesInDirectory(ctx, s.db, dir)
}

// UpdateFileStatus flips one file's lifecycle state, enforcing the allowed
// transitions.
func (s *Store) UpdateFileStatus(ctx context.Context, path string, status types.FileStatus, errorMessage string) error {
	return updateFileStatus(ctx, s.db, path, status, errorMessage)
}

// Transaction methods.

// UpsertFile inserts or refreshes a file row within the transaction.
func (t *sqliteTx) UpsertFile(ctx context.Context, f *types.File) error {
	return upsertFile(ctx, t.conn, f)
}

// UpdateFileStatus flips one file's lifecycle state within the transaction.
func (t *sqliteTx) UpdateFileStatus(ctx context.Context, path string, status types.FileStatus, errorMessage string) error {
	return updateFileStatus(ctx, t.conn, path, status, errorMessage)
}

// RenameFile moves a file row to a new path. POI rows follow through the
// ON UPDATE CASCADE on their file_path foreign key.
func (t *sqliteTx) RenameFile(ctx context.Context, oldPath, newPath string) error {
	res, err := t.conn.ExecContext(ctx, `UPDATE files SET path = ? WHERE path = ?`, newPath, oldPath)
	if err != nil {
		return wrapDBError("rename file", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rename file", err)
	}
	if n == 0 {
		return fmt.Errorf("rename file %s: %w", oldPath, storage.ErrNotFound)
	}
	return nil
}

// DeleteFile removes a file row; POIs, relationships, and evidence follow
// through cascade deletes.
func (t *sqliteTx) DeleteFile(ctx context.Context, path string) error {
	res, err := t.conn.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return wrapDBError("delete file", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("delete file", err)
	}
	if n == 0 {
		return fmt.Errorf("delete file %s: %w", path, storage.ErrNotFound)
	}
	return nil
}

// GetFile reads a file row inside the transaction (read-your-writes).
func (t *sqliteTx) GetFile(ctx context.Context, path string) (*types.File, error) {
	return getFile(ctx, t.conn, path)
}
