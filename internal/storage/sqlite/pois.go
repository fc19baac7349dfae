package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

const poiColumns = `id, file_path, name, type, start_line, end_line, confidence, graph_status`

// chunkSize keeps IN (...) lists well under SQLite's bound-parameter limit.
const chunkSize = 500

func scanPOI(row rowScanner) (*types.POI, error) {
	var p types.POI
	err := row.Scan(&p.ID, &p.FilePath, &p.Name, &p.Type, &p.StartLine, &p.EndLine, &p.Confidence, &p.GraphStatus)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPOIs(ctx context.Context, q querier, query string, args ...any) ([]*types.POI, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query pois", err)
	}
	defer rows.Close()

	var pois []*types.POI
	for rows.Next() {
		p, err := scanPOI(rows)
		if err != nil {
			return nil, wrapDBError("scan poi row", err)
		}
		pois = append(pois, p)
	}
	return pois, wrapDBError("iterate poi rows", rows.Err())
}

func listPOIsByFile(ctx context.Context, q querier, filePath string) ([]*types.POI, error) {
	return collectPOIs(ctx, q,
		`SELECT `+poiColumns+` FROM points_of_interest WHERE file_path = ? ORDER BY start_line, id`,
		filePath)
}

// Store methods.

// GetPOI returns one point of interest by id.
func (s *Store) GetPOI(ctx context.Context, id string) (*types.POI, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+poiColumns+` FROM points_of_interest WHERE id = ?`, id)
	p, err := scanPOI(row)
	if err != nil {
		return nil, wrapDBError("get poi", err)
	}
	return p, nil
}

// ListPOIsByFile returns a file's POIs in line order.
func (s *Store) ListPOIsByFile(ctx context.Context, filePath string) ([]*types.POI, error) {
	return listPOIsByFile(ctx, s.db, filePath)
}

// ListPOIsByDirectory pages through the POIs of a directory's direct files
// in a stable order, for the fixed-size prompt pages of the directory pass.
func (s *Store) ListPOIsByDirectory(ctx context.Context, dir string, limit, offset int) ([]*types.POI, error) {
	if dir == "." || dir == "" {
		return collectPOIs(ctx, s.db,
			`SELECT `+poiColumns+` FROM points_of_interest
			 WHERE file_path NOT GLOB '*/*'
			 ORDER BY file_path, start_line, id LIMIT ? OFFSET ?`,
			limit, offset)
	}
	return collectPOIs(ctx, s.db,
		`SELECT `+poiColumns+` FROM points_of_interest
		 WHERE file_path GLOB ? AND file_path NOT GLOB ?
		 ORDER BY file_path, start_line, id LIMIT ? OFFSET ?`,
		dir+`/*`, dir+`/*/*`, limit, offset)
}

// ListPOIsPendingIngestion returns POIs not yet written to the graph whose
// files completed analysis. POIs of failed files stay out of the graph
// until the file is reset and re-analyzed.
func (s *Store) ListPOIsPendingIngestion(ctx context.Context, limit int) ([]*types.POI, error) {
	return collectPOIs(ctx, s.db,
		`SELECT p.id, p.file_path, p.name, p.type, p.start_line, p.end_line, p.confidence, p.graph_status
		 FROM points_of_interest p
		 JOIN files f ON f.path = p.file_path
		 WHERE p.graph_status = ? AND f.status = ?
		 ORDER BY p.id LIMIT ?`,
		string(types.GraphStatusPending), string(types.FileStatusCompleted), limit)
}

// Transaction methods.

// UpsertPOIs writes a batch of POIs idempotently. A row that already exists
// (same fingerprint, so same content) only refreshes its confidence; in
// particular its graph watermark survives, so re-analysis of an unchanged
// file does not re-ingest nodes.
func (t *sqliteTx) UpsertPOIs(ctx context.Context, pois []*types.POI) error {
	for _, p := range pois {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("validation failed for poi %q: %w", p.Name, err)
		}
		_, err := t.conn.ExecContext(ctx, `
			INSERT INTO points_of_interest (id, file_path, name, type, start_line, end_line, confidence, graph_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET confidence = excluded.confidence`,
			p.ID, p.FilePath, p.Name, string(p.Type), p.StartLine, p.EndLine, p.Confidence, string(types.GraphStatusPending))
		if err != nil {
			return wrapDBError("upsert poi", err)
		}
	}
	return nil
}

// RekeyPOI changes a POI's fingerprint after a file rename. Relationship
// endpoints follow through their ON UPDATE CASCADE foreign keys.
func (t *sqliteTx) RekeyPOI(ctx context.Context, oldID, newID string) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE points_of_interest SET id = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		return wrapDBError("rekey poi", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rekey poi", err)
	}
	if n == 0 {
		return fmt.Errorf("rekey poi %s: %w", oldID, storage.ErrNotFound)
	}
	return nil
}

// MarkPOIsIngested flips the graph watermark after a graph batch commits.
func (t *sqliteTx) MarkPOIsIngested(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, string(types.GraphStatusIngested))
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := t.conn.ExecContext(ctx,
			`UPDATE points_of_interest SET graph_status = ? WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return wrapDBError("mark pois ingested", err)
		}
	}
	return nil
}

// ListPOIsByFile reads a file's POIs inside the transaction.
func (t *sqliteTx) ListPOIsByFile(ctx context.Context, filePath string) ([]*types.POI, error) {
	return listPOIsByFile(ctx, t.conn, filePath)
}
