package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

const relationshipColumns = `id, source_poi_id, target_poi_id, type, confidence, explanation, pass_type, status`

func scanRelationship(row rowScanner) (*types.Relationship, error) {
	var r types.Relationship
	err := row.Scan(&r.ID, &r.SourcePoiID, &r.TargetPoiID, &r.Type, &r.Confidence, &r.Explanation, &r.PassType, &r.Status)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Store methods.

// GetRelationship returns one relationship row by fingerprint.
func (s *Store) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM resolved_relationships WHERE id = ?`, id)
	r, err := scanRelationship(row)
	if err != nil {
		return nil, wrapDBError("get relationship", err)
	}
	return r, nil
}

// ListRelationshipsByStatus returns up to limit relationships in the given
// reconciliation state, in stable fingerprint order.
func (s *Store) ListRelationshipsByStatus(ctx context.Context, status types.RelationshipStatus, limit int) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM resolved_relationships WHERE status = ? ORDER BY id LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, wrapDBError("list relationships", err)
	}
	defer rows.Close()

	var rels []*types.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, wrapDBError("scan relationship row", err)
		}
		rels = append(rels, r)
	}
	return rels, wrapDBError("iterate relationship rows", rows.Err())
}

// ListEvidence returns the accumulated evidence for one fingerprint within
// a run, in arrival order.
func (s *Store) ListEvidence(ctx context.Context, relationshipID, runID string) ([]*types.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, relationship_id, run_id, pass_type, evidence_payload
		 FROM relationship_evidence WHERE relationship_id = ? AND run_id = ? ORDER BY id`,
		relationshipID, runID)
	if err != nil {
		return nil, wrapDBError("list evidence", err)
	}
	defer rows.Close()

	var evs []*types.Evidence
	for rows.Next() {
		var ev types.Evidence
		if err := rows.Scan(&ev.ID, &ev.RelationshipID, &ev.RunID, &ev.PassType, &ev.Payload); err != nil {
			return nil, wrapDBError("scan evidence row", err)
		}
		evs = append(evs, &ev)
	}
	return evs, wrapDBError("iterate evidence rows", rows.Err())
}

// Transaction methods.

// UpsertRelationship writes a candidate relationship keyed by fingerprint.
// A conflicting insert refreshes confidence, explanation, and pass type only
// while the row is still PENDING: late-arriving evidence must never reopen a
// row the reconciler has already resolved or the ingestor has written out.
func (t *sqliteTx) UpsertRelationship(ctx context.Context, rel *types.Relationship) error {
	if err := rel.Validate(); err != nil {
		return fmt.Errorf("validation failed for relationship %s: %w", rel.ID, err)
	}
	status := rel.Status
	if status == "" {
		status = types.RelationshipPending
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO resolved_relationships (id, source_poi_id, target_poi_id, type, confidence, explanation, pass_type, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confidence = excluded.confidence,
			explanation = excluded.explanation,
			pass_type = excluded.pass_type
		WHERE resolved_relationships.status = 'PENDING'`,
		rel.ID, rel.SourcePoiID, rel.TargetPoiID, string(rel.Type),
		rel.Confidence, rel.Explanation, string(rel.PassType), string(status))
	return wrapDBError("upsert relationship", err)
}

// ResolveRelationship records the reconciler's verdict for one fingerprint.
func (t *sqliteTx) ResolveRelationship(ctx context.Context, id string, status types.RelationshipStatus, confidence float64, explanation string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid relationship status: %s", status)
	}
	res, err := t.conn.ExecContext(ctx,
		`UPDATE resolved_relationships SET status = ?, confidence = ?, explanation = ? WHERE id = ?`,
		string(status), confidence, explanation, id)
	if err != nil {
		return wrapDBError("resolve relationship", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("resolve relationship", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve relationship %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MarkRelationshipsIngested flips VALIDATED rows to INGESTED after the
// graph batch commits. Rows in any other state are left alone.
func (t *sqliteTx) MarkRelationshipsIngested(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(chunk)+2)
		args = append(args, string(types.RelationshipIngested), string(types.RelationshipValidated))
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := t.conn.ExecContext(ctx,
			`UPDATE resolved_relationships SET status = ? WHERE status = ? AND id IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return wrapDBError("mark relationships ingested", err)
		}
	}
	return nil
}

// InsertEvidence appends one pass's assertion for a fingerprint. A pass
// asserts a fingerprint at most once per run, so a redelivered copy lands on
// the existing row and is reported as not inserted.
func (t *sqliteTx) InsertEvidence(ctx context.Context, ev *types.Evidence) (bool, error) {
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO relationship_evidence (relationship_id, run_id, pass_type, evidence_payload)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(relationship_id, run_id, pass_type) DO NOTHING`,
		ev.RelationshipID, ev.RunID, string(ev.PassType), ev.Payload)
	if err != nil {
		return false, wrapDBError("insert evidence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError("insert evidence", err)
	}
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return true, nil
}

// DeleteEvidence purges a fingerprint's evidence once it has been
// reconciled.
func (t *sqliteTx) DeleteEvidence(ctx context.Context, relationshipID, runID string) error {
	_, err := t.conn.ExecContext(ctx,
		`DELETE FROM relationship_evidence WHERE relationship_id = ? AND run_id = ?`,
		relationshipID, runID)
	return wrapDBError("delete evidence", err)
}
