// Package storage defines the state-store contract for the trellis pipeline.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and value types referenced by both the implementation
// and its consumers (workers, the outbox publisher, the graph ingestor),
// so that fakes can be substituted in tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/trellislabs/trellis/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on a unique-constraint violation or a lifecycle
// transition the state machine forbids.
var ErrConflict = errors.New("conflict")

// ErrClosed is returned when an operation is attempted after Close.
var ErrClosed = errors.New("store closed")

// Stats is a point-in-time snapshot of pipeline state, served by the status
// command and the health endpoint.
type Stats struct {
	FilesByStatus         map[types.FileStatus]int64         `json:"filesByStatus"`
	PoiCount              int64                              `json:"poiCount"`
	RelationshipsByStatus map[types.RelationshipStatus]int64 `json:"relationshipsByStatus"`
	EvidenceCount         int64                              `json:"evidenceCount"`
	OutboxPending         int64                              `json:"outboxPending"`
	OutboxDead            int64                              `json:"outboxDead"`
	PendingRefactors      int64                              `json:"pendingRefactors"`
}

// SnapshotEntry is one (path, checksum) pair from a completed scan, kept so
// the next scan can diff against it.
type SnapshotEntry struct {
	Path     string
	Checksum string
}

// Store is the interface satisfied by *sqlite.Store. Reads that need no
// atomicity live here; every multi-row write the pipeline depends on goes
// through RunInTransaction.
type Store interface {
	// Files
	GetFile(ctx context.Context, path string) (*types.File, error)
	ListFilesByStatus(ctx context.Context, status types.FileStatus, limit int) ([]*types.File, error)
	ListFilesInDirectory(ctx context.Context, dir string) ([]*types.File, error)
	UpdateFileStatus(ctx context.Context, path string, status types.FileStatus, errorMessage string) error

	// Points of interest
	GetPOI(ctx context.Context, id string) (*types.POI, error)
	ListPOIsByFile(ctx context.Context, filePath string) ([]*types.POI, error)
	ListPOIsByDirectory(ctx context.Context, dir string, limit, offset int) ([]*types.POI, error)
	ListPOIsPendingIngestion(ctx context.Context, limit int) ([]*types.POI, error)

	// Relationships and evidence
	GetRelationship(ctx context.Context, id string) (*types.Relationship, error)
	ListRelationshipsByStatus(ctx context.Context, status types.RelationshipStatus, limit int) ([]*types.Relationship, error)
	ListEvidence(ctx context.Context, relationshipID, runID string) ([]*types.Evidence, error)

	// Outbox
	CountOutbox(ctx context.Context, status types.OutboxStatus) (int64, error)

	// Directory summaries
	GetDirectorySummary(ctx context.Context, runID, dir string) (*types.DirectorySummary, error)
	ListDirectorySummaries(ctx context.Context, runID string) ([]*types.DirectorySummary, error)

	// Refactor tasks
	ListPendingRefactors(ctx context.Context, limit int) ([]*types.RefactorTask, error)

	// Scan snapshots
	GetScanSnapshot(ctx context.Context, rootPath string) (map[string]string, error)

	// Runs
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id string) (*types.Run, error)
	FinishRun(ctx context.Context, id string, status types.RunStatus, finishedAt time.Time) error

	// Statistics
	GetStatistics(ctx context.Context) (*Stats, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the write operations that must compose atomically.
//
//   - All operations share one database connection holding a write lock.
//   - An error from the callback rolls everything back.
//   - A panic in the callback rolls back, then re-raises.
//   - A clean return commits.
//
// The invariants the pipeline leans on ("POIs and their outbox event land
// together", "outbox rows flip to PUBLISHED only after the bus accepted the
// job") are all expressed as a single callback against this interface.
type Transaction interface {
	// Files
	UpsertFile(ctx context.Context, f *types.File) error
	UpdateFileStatus(ctx context.Context, path string, status types.FileStatus, errorMessage string) error
	RenameFile(ctx context.Context, oldPath, newPath string) error
	DeleteFile(ctx context.Context, path string) error
	GetFile(ctx context.Context, path string) (*types.File, error)

	// Points of interest
	UpsertPOIs(ctx context.Context, pois []*types.POI) error
	RekeyPOI(ctx context.Context, oldID, newID string) error
	MarkPOIsIngested(ctx context.Context, ids []string) error
	ListPOIsByFile(ctx context.Context, filePath string) ([]*types.POI, error)

	// Relationships and evidence
	UpsertRelationship(ctx context.Context, rel *types.Relationship) error
	ResolveRelationship(ctx context.Context, id string, status types.RelationshipStatus, confidence float64, explanation string) error
	MarkRelationshipsIngested(ctx context.Context, ids []string) error
	// InsertEvidence reports whether a new row landed; a duplicate of an
	// already recorded (relationship, run, pass) tuple is a no-op.
	InsertEvidence(ctx context.Context, ev *types.Evidence) (bool, error)
	DeleteEvidence(ctx context.Context, relationshipID, runID string) error

	// Outbox
	InsertOutboxEvent(ctx context.Context, runID, eventType, payload string) (int64, error)
	ListPendingOutbox(ctx context.Context, limit int) ([]*types.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, maxAttempts int) error

	// Directory summaries
	UpsertDirectorySummary(ctx context.Context, s *types.DirectorySummary) error

	// Refactor tasks
	InsertRefactorTask(ctx context.Context, task *types.RefactorTask) error
	MarkRefactorApplied(ctx context.Context, id int64) error

	// Scan snapshots
	ReplaceScanSnapshot(ctx context.Context, rootPath string, entries []SnapshotEntry) error
}
