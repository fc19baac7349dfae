package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustTx(t *testing.T, store *Store, fn func(tx storage.Transaction) error) {
	t.Helper()
	if err := store.RunInTransaction(context.Background(), fn); err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func addFile(t *testing.T, store *Store, path string, status types.FileStatus) {
	t.Helper()
	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.UpsertFile(context.Background(), &types.File{
			Path: path, Checksum: "c-" + path, Status: status,
		})
	})
}

func addPOI(t *testing.T, store *Store, id, path string) {
	t.Helper()
	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.UpsertPOIs(context.Background(), []*types.POI{{
			ID: id, FilePath: path, Name: id, Type: types.POITypeFunction,
			StartLine: 1, EndLine: 5, Confidence: 0.9,
		}})
	})
}

func TestFileLifecycleTransitions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addFile(t, store, "a.go", types.FileStatusPending)

	if err := store.UpdateFileStatus(ctx, "a.go", types.FileStatusProcessing, ""); err != nil {
		t.Fatalf("PENDING -> PROCESSING: %v", err)
	}
	if err := store.UpdateFileStatus(ctx, "a.go", types.FileStatusCompleted, ""); err != nil {
		t.Fatalf("PROCESSING -> COMPLETED_SUCCESS: %v", err)
	}

	// A terminal file cannot move to PROCESSING without a reset.
	err := store.UpdateFileStatus(ctx, "a.go", types.FileStatusProcessing, "")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("COMPLETED -> PROCESSING = %v, want ErrConflict", err)
	}

	// The checksum-change reset to PENDING is allowed from any state.
	if err := store.UpdateFileStatus(ctx, "a.go", types.FileStatusPending, ""); err != nil {
		t.Fatalf("reset to PENDING: %v", err)
	}

	err = store.UpdateFileStatus(ctx, "missing.go", types.FileStatusProcessing, "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("update missing file = %v, want ErrNotFound", err)
	}
}

func TestUpsertRelationshipRefreshesOnlyWhilePending(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addFile(t, store, "a.go", types.FileStatusCompleted)
	addPOI(t, store, "p1", "a.go")
	addPOI(t, store, "p2", "a.go")

	rel := &types.Relationship{
		ID: "r1", SourcePoiID: "p1", TargetPoiID: "p2",
		Type: types.RelCalls, Confidence: 0.5, PassType: types.PassIntraFile,
	}
	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.UpsertRelationship(ctx, rel)
	})

	rel.Confidence = 0.8
	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.UpsertRelationship(ctx, rel)
	})
	got, err := store.GetRelationship(ctx, "r1")
	if err != nil {
		t.Fatalf("get relationship: %v", err)
	}
	if got.Confidence != 0.8 {
		t.Fatalf("pending row confidence = %g, want 0.8", got.Confidence)
	}

	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.ResolveRelationship(ctx, "r1", types.RelationshipValidated, 0.85, "agreed")
	})

	// A late-arriving assertion must not reopen a resolved row.
	rel.Confidence = 0.1
	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.UpsertRelationship(ctx, rel)
	})
	got, err = store.GetRelationship(ctx, "r1")
	if err != nil {
		t.Fatalf("get relationship: %v", err)
	}
	if got.Status != types.RelationshipValidated || got.Confidence != 0.85 {
		t.Fatalf("resolved row mutated: status=%s confidence=%g", got.Status, got.Confidence)
	}
}

func TestMarkRelationshipsIngestedFlipsValidatedOnly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addFile(t, store, "a.go", types.FileStatusCompleted)
	addPOI(t, store, "p1", "a.go")
	addPOI(t, store, "p2", "a.go")
	addPOI(t, store, "p3", "a.go")

	mustTx(t, store, func(tx storage.Transaction) error {
		for _, r := range []*types.Relationship{
			{ID: "rv", SourcePoiID: "p1", TargetPoiID: "p2", Type: types.RelCalls, Status: types.RelationshipValidated},
			{ID: "rp", SourcePoiID: "p2", TargetPoiID: "p3", Type: types.RelUses, Status: types.RelationshipPending},
		} {
			if err := tx.UpsertRelationship(ctx, r); err != nil {
				return err
			}
		}
		return tx.MarkRelationshipsIngested(ctx, []string{"rv", "rp"})
	})

	rv, _ := store.GetRelationship(ctx, "rv")
	rp, _ := store.GetRelationship(ctx, "rp")
	if rv.Status != types.RelationshipIngested {
		t.Fatalf("validated row = %s, want INGESTED", rv.Status)
	}
	if rp.Status != types.RelationshipPending {
		t.Fatalf("pending row = %s, want PENDING untouched", rp.Status)
	}
}

func TestEvidenceAccumulatesAndPurges(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addFile(t, store, "a.go", types.FileStatusCompleted)
	addPOI(t, store, "p1", "a.go")
	addPOI(t, store, "p2", "a.go")

	mustTx(t, store, func(tx storage.Transaction) error {
		if err := tx.UpsertRelationship(ctx, &types.Relationship{
			ID: "r1", SourcePoiID: "p1", TargetPoiID: "p2", Type: types.RelCalls,
		}); err != nil {
			return err
		}
		for _, pass := range []types.PassType{types.PassIntraFile, types.PassIntraDirectory} {
			inserted, err := tx.InsertEvidence(ctx, &types.Evidence{
				RelationshipID: "r1", RunID: "run-1", PassType: pass, Payload: "{}",
			})
			if err != nil {
				return err
			}
			if !inserted {
				return fmt.Errorf("evidence for pass %s reported as duplicate", pass)
			}
		}
		// A redelivered copy of a pass's assertion lands on the first row.
		inserted, err := tx.InsertEvidence(ctx, &types.Evidence{
			RelationshipID: "r1", RunID: "run-1", PassType: types.PassIntraFile, Payload: "{}",
		})
		if err != nil {
			return err
		}
		if inserted {
			return fmt.Errorf("duplicate evidence inserted a second row")
		}
		return nil
	})

	evs, err := store.ListEvidence(ctx, "r1", "run-1")
	if err != nil {
		t.Fatalf("list evidence: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("evidence rows = %d, want 2", len(evs))
	}
	if evs[0].PassType != types.PassIntraFile {
		t.Fatalf("arrival order lost: first pass = %s", evs[0].PassType)
	}

	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.DeleteEvidence(ctx, "r1", "run-1")
	})
	evs, err = store.ListEvidence(ctx, "r1", "run-1")
	if err != nil {
		t.Fatalf("list evidence after purge: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("evidence rows after purge = %d, want 0", len(evs))
	}
}

func TestOutboxPublishedIsImmutable(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	var id int64
	mustTx(t, store, func(tx storage.Transaction) error {
		var err error
		id, err = tx.InsertOutboxEvent(ctx, "run-1", "file-analysis-finding", `{}`)
		return err
	})

	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.MarkOutboxPublished(ctx, id)
	})

	// Replaying the flip after a crash between submit and commit is a no-op.
	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.MarkOutboxPublished(ctx, id)
	})

	n, err := store.CountOutbox(ctx, types.OutboxPublished)
	if err != nil || n != 1 {
		t.Fatalf("published count = %d, %v; want 1", n, err)
	}
}

func TestOutboxFailureParksAtCeiling(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	var id int64
	mustTx(t, store, func(tx storage.Transaction) error {
		var err error
		id, err = tx.InsertOutboxEvent(ctx, "run-1", "file-analysis-finding", `{}`)
		return err
	})

	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.MarkOutboxFailed(ctx, id, 2)
	})
	pending, _ := store.CountOutbox(ctx, types.OutboxPending)
	if pending != 1 {
		t.Fatalf("after first failure pending = %d, want 1", pending)
	}

	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.MarkOutboxFailed(ctx, id, 2)
	})
	dead, _ := store.CountOutbox(ctx, types.OutboxDead)
	pending, _ = store.CountOutbox(ctx, types.OutboxPending)
	if dead != 1 || pending != 0 {
		t.Fatalf("after ceiling dead = %d pending = %d, want 1 and 0", dead, pending)
	}
}

func TestPendingIngestionRequiresCompletedFile(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addFile(t, store, "done.go", types.FileStatusCompleted)
	addFile(t, store, "busy.go", types.FileStatusProcessing)
	addPOI(t, store, "poi-done", "done.go")
	addPOI(t, store, "poi-busy", "busy.go")

	pois, err := store.ListPOIsPendingIngestion(ctx, 10)
	if err != nil {
		t.Fatalf("list pending ingestion: %v", err)
	}
	if len(pois) != 1 || pois[0].ID != "poi-done" {
		t.Fatalf("pending ingestion = %+v, want only poi-done", pois)
	}

	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.MarkPOIsIngested(ctx, []string{"poi-done"})
	})
	pois, err = store.ListPOIsPendingIngestion(ctx, 10)
	if err != nil {
		t.Fatalf("list pending ingestion: %v", err)
	}
	if len(pois) != 0 {
		t.Fatalf("pending ingestion after mark = %d rows, want 0", len(pois))
	}
}

func TestRenameFileCarriesPOIs(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addFile(t, store, "old.go", types.FileStatusCompleted)
	addPOI(t, store, "p1", "old.go")

	mustTx(t, store, func(tx storage.Transaction) error {
		if err := tx.RenameFile(ctx, "old.go", "new.go"); err != nil {
			return err
		}
		return tx.RekeyPOI(ctx, "p1", "p1-new")
	})

	pois, err := store.ListPOIsByFile(ctx, "new.go")
	if err != nil {
		t.Fatalf("list pois: %v", err)
	}
	if len(pois) != 1 || pois[0].ID != "p1-new" {
		t.Fatalf("pois after rename = %+v, want one row keyed p1-new", pois)
	}
	if _, err := store.GetFile(ctx, "old.go"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old path still present: %v", err)
	}
}

func TestDirectoryScopedReads(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addFile(t, store, "main.go", types.FileStatusCompleted)
	addFile(t, store, "pkg/a.go", types.FileStatusPending)
	addFile(t, store, "pkg/b.go", types.FileStatusPending)
	addFile(t, store, "pkg/sub/c.go", types.FileStatusPending)

	files, err := store.ListFilesInDirectory(ctx, "pkg")
	if err != nil {
		t.Fatalf("list directory: %v", err)
	}
	// Direct children only; pkg/sub/c.go belongs to the subdirectory.
	if len(files) != 2 || files[0].Path != "pkg/a.go" || files[1].Path != "pkg/b.go" {
		t.Fatalf("pkg files = %+v, want a.go and b.go", files)
	}

	root, err := store.ListFilesInDirectory(ctx, ".")
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(root) != 1 || root[0].Path != "main.go" {
		t.Fatalf("root files = %+v, want only main.go", root)
	}

	pending, err := store.ListFilesByStatus(ctx, types.FileStatusPending, 10)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending files = %d, want 3", len(pending))
	}
}

func TestDirectorySummaryRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.UpsertDirectorySummary(ctx, &types.DirectorySummary{
			RunID: "run-1", DirectoryPath: "pkg", SummaryText: "storage helpers",
		})
	})
	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.UpsertDirectorySummary(ctx, &types.DirectorySummary{
			RunID: "run-1", DirectoryPath: "pkg", SummaryText: "revised",
		})
	})

	got, err := store.GetDirectorySummary(ctx, "run-1", "pkg")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if got.SummaryText != "revised" {
		t.Fatalf("summary = %q, want the upserted text", got.SummaryText)
	}
	if _, err := store.GetDirectorySummary(ctx, "run-2", "pkg"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign run summary = %v, want ErrNotFound", err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertFile(ctx, &types.File{Path: "a.go", Status: types.FileStatusPending}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunInTransaction = %v, want sentinel", err)
	}
	if _, err := store.GetFile(ctx, "a.go"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rolled-back row visible: %v", err)
	}
}

func TestScanSnapshotRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.ReplaceScanSnapshot(ctx, "/repo", []storage.SnapshotEntry{
			{Path: "a.go", Checksum: "aa"},
			{Path: "b.go", Checksum: "bb"},
		})
	})
	mustTx(t, store, func(tx storage.Transaction) error {
		return tx.ReplaceScanSnapshot(ctx, "/repo", []storage.SnapshotEntry{
			{Path: "a.go", Checksum: "aa2"},
		})
	})

	snap, err := store.GetScanSnapshot(ctx, "/repo")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if len(snap) != 1 || snap["a.go"] != "aa2" {
		t.Fatalf("snapshot = %v, want only a.go=aa2", snap)
	}
}

func TestRunFinishIsOneWay(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	run := &types.Run{ID: "run-1", RootPath: "/repo"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.CreateRun(ctx, run); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate create = %v, want ErrConflict", err)
	}

	finished := time.Now().UTC()
	if err := store.FinishRun(ctx, "run-1", types.RunCompleted, finished); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := store.FinishRun(ctx, "run-1", types.RunFailed, finished); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("refinish = %v, want ErrConflict", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunCompleted || got.FinishedAt == nil {
		t.Fatalf("run = %+v, want COMPLETED with finished_at", got)
	}
}

func TestStatisticsCountsByStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addFile(t, store, "a.go", types.FileStatusCompleted)
	addFile(t, store, "b.go", types.FileStatusPending)
	addPOI(t, store, "p1", "a.go")
	addPOI(t, store, "p2", "a.go")

	mustTx(t, store, func(tx storage.Transaction) error {
		if err := tx.UpsertRelationship(ctx, &types.Relationship{
			ID: "r1", SourcePoiID: "p1", TargetPoiID: "p2", Type: types.RelCalls,
		}); err != nil {
			return err
		}
		_, err := tx.InsertOutboxEvent(ctx, "run-1", "file-analysis-finding", `{}`)
		return err
	})

	stats, err := store.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("get statistics: %v", err)
	}
	if stats.FilesByStatus[types.FileStatusCompleted] != 1 || stats.FilesByStatus[types.FileStatusPending] != 1 {
		t.Fatalf("files by status = %v", stats.FilesByStatus)
	}
	if stats.PoiCount != 2 {
		t.Fatalf("poi count = %d, want 2", stats.PoiCount)
	}
	if stats.RelationshipsByStatus[types.RelationshipPending] != 1 {
		t.Fatalf("relationships by status = %v", stats.RelationshipsByStatus)
	}
	if stats.OutboxPending != 1 {
		t.Fatalf("outbox pending = %d, want 1", stats.OutboxPending)
	}
}
