package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/storage/sqlite"
	"github.com/trellislabs/trellis/internal/types"
)

// newScanEnv builds a temp repository, an in-memory store, and a bus
// backed by miniredis.
func newScanEnv(t *testing.T) (*Scanner, *sqlite.Store, *bus.Bus, string) {
	t.Helper()
	root := t.TempDir()

	store, err := sqlite.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	b := bus.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = b.Close() })

	s, err := New(store, b, zap.NewNop(), root, 1<<20)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	return s, store, b, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestFirstScanAllNew(t *testing.T) {
	s, store, b, root := newScanEnv(t)
	ctx := context.Background()

	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, "pkg/util.go", "package pkg")
	writeFile(t, root, "node_modules/dep/index.js", "ignored")
	writeFile(t, root, ".hidden", "ignored")

	changes, err := s.Scan(ctx, "run-1")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(changes.Added) != 2 {
		t.Fatalf("added = %d, want 2 (exclusions not applied?)", len(changes.Added))
	}

	f, err := store.GetFile(ctx, "main.go")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f.Status != types.FileStatusPending {
		t.Errorf("status = %s, want PENDING", f.Status)
	}
	if f.Language != "go" {
		t.Errorf("language = %q, want go", f.Language)
	}
	if f.SpecialType != types.SpecialFileEntrypoint {
		t.Errorf("special type = %q, want entrypoint", f.SpecialType)
	}

	// One discovery event per file plus the flush control event.
	depth, err := b.Depth(ctx, bus.QueuePathDiscovery)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 3 {
		t.Errorf("path-discovery depth = %d, want 3", depth)
	}
}

func TestRescanUnchangedIsEmpty(t *testing.T) {
	s, _, b, root := newScanEnv(t)
	ctx := context.Background()

	writeFile(t, root, "a.go", "package a")
	if _, err := s.Scan(ctx, "run-1"); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	drainQueue(t, b, bus.QueuePathDiscovery)

	changes, err := s.Scan(ctx, "run-2")
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if !changes.Empty() {
		t.Errorf("rescan of unchanged tree produced changes: %+v", changes)
	}
	if depth, _ := b.Depth(ctx, bus.QueuePathDiscovery); depth != 0 {
		t.Errorf("rescan enqueued %d events, want 0", depth)
	}
}

func TestModifiedFileResetsToPending(t *testing.T) {
	s, store, _, root := newScanEnv(t)
	ctx := context.Background()

	writeFile(t, root, "a.go", "package a")
	if _, err := s.Scan(ctx, "run-1"); err != nil {
		t.Fatalf("first Scan: %v", err)
	}

	// Simulate the pipeline finishing the file.
	if err := store.UpdateFileStatus(ctx, "a.go", types.FileStatusProcessing, ""); err != nil {
		t.Fatalf("to PROCESSING: %v", err)
	}
	if err := store.UpdateFileStatus(ctx, "a.go", types.FileStatusCompleted, ""); err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}

	writeFile(t, root, "a.go", "package a // changed")
	changes, err := s.Scan(ctx, "run-2")
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(changes.Modified) != 1 {
		t.Fatalf("modified = %d, want 1", len(changes.Modified))
	}

	f, err := store.GetFile(ctx, "a.go")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f.Status != types.FileStatusPending {
		t.Errorf("status after checksum change = %s, want PENDING", f.Status)
	}
}

func TestDeleteProducesRefactorTask(t *testing.T) {
	s, store, _, root := newScanEnv(t)
	ctx := context.Background()

	writeFile(t, root, "gone.go", "package gone")
	if _, err := s.Scan(ctx, "run-1"); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "gone.go")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	changes, err := s.Scan(ctx, "run-2")
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(changes.Deleted) != 1 || changes.Deleted[0] != "gone.go" {
		t.Fatalf("deleted = %v, want [gone.go]", changes.Deleted)
	}

	f, err := store.GetFile(ctx, "gone.go")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f.Status != types.FileStatusDeletedOnDisk {
		t.Errorf("status = %s, want DELETED_ON_DISK", f.Status)
	}

	tasks, err := store.ListPendingRefactors(ctx, 10)
	if err != nil {
		t.Fatalf("ListPendingRefactors: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != types.RefactorDelete || tasks[0].OldPath != "gone.go" {
		t.Fatalf("refactor tasks = %+v, want one DELETE for gone.go", tasks)
	}
}

func TestRenameDetectedByChecksum(t *testing.T) {
	s, store, _, root := newScanEnv(t)
	ctx := context.Background()

	content := "package stable // unique content for rename matching"
	writeFile(t, root, "old_name.go", content)
	if _, err := s.Scan(ctx, "run-1"); err != nil {
		t.Fatalf("first Scan: %v", err)
	}

	if err := os.Rename(filepath.Join(root, "old_name.go"), filepath.Join(root, "new_name.go")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	changes, err := s.Scan(ctx, "run-2")
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(changes.Renamed) != 1 {
		t.Fatalf("renamed = %+v, want exactly one pair", changes.Renamed)
	}
	r := changes.Renamed[0]
	if r.OldPath != "old_name.go" || r.NewPath != "new_name.go" {
		t.Errorf("rename pair = %+v", r)
	}
	if len(changes.Added) != 0 || len(changes.Deleted) != 0 {
		t.Errorf("rename leaked into added=%v deleted=%v", changes.Added, changes.Deleted)
	}

	// The file row moved; exactly one RENAME refactor task recorded.
	if _, err := store.GetFile(ctx, "new_name.go"); err != nil {
		t.Errorf("file row did not move: %v", err)
	}
	tasks, err := store.ListPendingRefactors(ctx, 10)
	if err != nil {
		t.Fatalf("ListPendingRefactors: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != types.RefactorRename || tasks[0].NewPath != "new_name.go" {
		t.Fatalf("refactor tasks = %+v, want one RENAME to new_name.go", tasks)
	}
}

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()

	if _, err := ResolveWithin(root, "src/main.go"); err != nil {
		t.Errorf("in-root path rejected: %v", err)
	}
	for _, bad := range []string{"../outside.go", "src/../../etc/passwd", "/etc/passwd"} {
		if _, err := ResolveWithin(root, bad); err == nil {
			t.Errorf("traversal path %q accepted", bad)
		}
	}
}

func drainQueue(t *testing.T, b *bus.Bus, queue string) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := b.Dequeue(ctx, queue, "drain", 10*time.Millisecond)
		if err != nil {
			return
		}
		_ = b.Ack(ctx, "drain", job)
	}
}
