// Package scanner walks the repository under analysis, classifies every
// source file as new, modified, renamed, or deleted by diffing content
// hashes against the previous scan's snapshot, and records work items and
// refactor tasks in one state-store transaction.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/fingerprint"
	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/types"
)

// excludedDirs are never descended into: VCS metadata, dependency caches,
// build output, editor state, and test fixtures.
var excludedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"out":          true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
	"coverage":     true,
	"test":         true,
	"tests":        true,
	"__tests__":    true,
	"testdata":     true,
}

// excludedExts are binary or generated formats the LLM passes cannot use.
var excludedExts = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true,
	".o": true, ".obj": true, ".bin": true, ".dat": true, ".db": true,
	".sqlite": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".ico": true, ".svg": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".xz": true, ".7z": true, ".jar": true,
	".war": true, ".class": true, ".pyc": true, ".wasm": true, ".lock": true,
	".min.js": true, ".map": true, ".woff": true, ".woff2": true, ".ttf": true,
	".eot": true, ".mp3": true, ".mp4": true, ".mov": true,
}

// sniffLen is how many leading bytes the binary sniff inspects.
const sniffLen = 8000

// Rename pairs a deleted path with the new path carrying its checksum.
type Rename struct {
	OldPath string
	NewPath string
}

// ChangeSet is the symmetric difference of two scans under rename-matching:
// the three sets are disjoint by construction.
type ChangeSet struct {
	Added    []storage.SnapshotEntry
	Modified []storage.SnapshotEntry
	Deleted  []string
	Renamed  []Rename
}

// Empty reports whether the scan found no changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0 && len(c.Renamed) == 0
}

// Scanner walks one repository root and reconciles what it finds against
// the state store.
type Scanner struct {
	store       storage.Store
	bus         *bus.Bus
	log         *zap.Logger
	root        string
	maxFileSize int64
}

// New builds a scanner for root. root must exist and be a directory.
func New(store storage.Store, b *bus.Bus, log *zap.Logger, root string, maxFileSize int64) (*Scanner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve scan root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", abs)
	}
	return &Scanner{
		store:       store,
		bus:         b,
		log:         log.Named("scanner"),
		root:        abs,
		maxFileSize: maxFileSize,
	}, nil
}

// Scan walks the root, diffs against the previous snapshot, applies the
// resulting work items and refactor tasks in one transaction, and enqueues
// a path-discovery event per new or modified file followed by a flush
// control event. Returns the change set it applied.
func (s *Scanner) Scan(ctx context.Context, runID string) (*ChangeSet, error) {
	current, err := s.walk(ctx)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.root, err)
	}

	previous, err := s.store.GetScanSnapshot(ctx, s.root)
	if err != nil {
		return nil, fmt.Errorf("load previous snapshot: %w", err)
	}
	// An empty snapshot means first run: every file is new.

	changes := diff(previous, current)

	if err := s.apply(ctx, changes, current); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, runID, changes); err != nil {
		return nil, err
	}

	s.log.Info("scan complete",
		zap.String("root", s.root),
		zap.Int("files", len(current)),
		zap.Int("added", len(changes.Added)),
		zap.Int("modified", len(changes.Modified)),
		zap.Int("deleted", len(changes.Deleted)),
		zap.Int("renamed", len(changes.Renamed)))
	return changes, nil
}

// walk hashes every includable file under the root. Hashing fans out over
// a worker pool; unreadable files are logged and skipped.
func (s *Scanner) walk(ctx context.Context) (map[string]string, error) {
	paths := make(chan string, 256)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(paths)
		return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				s.log.Warn("unreadable path skipped", zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			name := d.Name()
			if d.IsDir() {
				if path != s.root && (excludedDirs[strings.ToLower(name)] || strings.HasPrefix(name, ".")) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if strings.HasPrefix(name, ".") || excludedExts[strings.ToLower(filepath.Ext(name))] {
				return nil
			}
			select {
			case paths <- path:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	type hashed struct {
		rel string
		sum string
	}
	results := make(chan hashed, 256)

	hashers := runtime.NumCPU()
	var hg errgroup.Group
	for i := 0; i < hashers; i++ {
		hg.Go(func() error {
			for path := range paths {
				sum, ok := s.hashFile(path)
				if !ok {
					continue
				}
				rel, err := filepath.Rel(s.root, path)
				if err != nil {
					return fmt.Errorf("relativize %s: %w", path, err)
				}
				select {
				case results <- hashed{rel: filepath.ToSlash(rel), sum: sum}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		_ = hg.Wait()
		close(results)
	}()

	current := make(map[string]string)
	for h := range results {
		current[h.rel] = h.sum
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := hg.Wait(); err != nil {
		return nil, err
	}
	return current, nil
}

// hashFile checksums one file, filtering out oversized and binary content.
// Returns ok=false when the file should be skipped.
func (s *Scanner) hashFile(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		s.log.Warn("unreadable file skipped", zap.String("path", path), zap.Error(err))
		return "", false
	}
	// Oversized files stay out of the snapshot entirely: the batcher
	// enforces the limit again for single-file jobs.
	if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
		s.log.Info("oversized file skipped",
			zap.String("path", path), zap.Int64("size", info.Size()))
		return "", false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("unreadable file skipped", zap.String("path", path), zap.Error(err))
		return "", false
	}
	sniff := data
	if len(sniff) > sniffLen {
		sniff = sniff[:sniffLen]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return "", false // binary
	}
	return fingerprint.Checksum(data), true
}

// diff computes the change set between two snapshots. A rename is a
// deleted path whose checksum reappears under a new path; candidates are
// matched in sorted path order so the pairing is deterministic.
func diff(previous, current map[string]string) *ChangeSet {
	changes := &ChangeSet{}

	var deleted []string
	for path := range previous {
		if _, ok := current[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(deleted)

	var added []string
	for path, sum := range current {
		prev, existed := previous[path]
		switch {
		case !existed:
			added = append(added, path)
		case prev != sum:
			changes.Modified = append(changes.Modified, storage.SnapshotEntry{Path: path, Checksum: sum})
		}
	}
	sort.Strings(added)
	sort.Slice(changes.Modified, func(i, j int) bool {
		return changes.Modified[i].Path < changes.Modified[j].Path
	})

	// First match wins: one deleted path pairs with at most one new path.
	deletedByChecksum := make(map[string][]string)
	for _, path := range deleted {
		sum := previous[path]
		deletedByChecksum[sum] = append(deletedByChecksum[sum], path)
	}
	claimed := make(map[string]bool)
	for _, path := range added {
		sum := current[path]
		candidates := deletedByChecksum[sum]
		matched := false
		for _, old := range candidates {
			if claimed[old] {
				continue
			}
			claimed[old] = true
			changes.Renamed = append(changes.Renamed, Rename{OldPath: old, NewPath: path})
			matched = true
			break
		}
		if !matched {
			changes.Added = append(changes.Added, storage.SnapshotEntry{Path: path, Checksum: sum})
		}
	}
	for _, path := range deleted {
		if !claimed[path] {
			changes.Deleted = append(changes.Deleted, path)
		}
	}
	return changes
}

// apply writes the change set and the new snapshot in one transaction, so
// a crash leaves either the old scan state or the new one, never a blend.
func (s *Scanner) apply(ctx context.Context, changes *ChangeSet, current map[string]string) error {
	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, e := range changes.Added {
			if err := s.upsertPending(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, e := range changes.Modified {
			// A checksum change resets the lifecycle to PENDING; stale
			// POIs are replaced when re-analysis completes.
			if err := s.upsertPending(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, path := range changes.Deleted {
			if err := tx.UpdateFileStatus(ctx, path, types.FileStatusDeletedOnDisk, ""); err != nil {
				return fmt.Errorf("mark %s deleted: %w", path, err)
			}
			if err := tx.InsertRefactorTask(ctx, &types.RefactorTask{
				Type:    types.RefactorDelete,
				OldPath: path,
			}); err != nil {
				return fmt.Errorf("record delete refactor for %s: %w", path, err)
			}
		}
		for _, r := range changes.Renamed {
			idMap, err := s.applyRename(ctx, tx, r)
			if err != nil {
				return err
			}
			if err := tx.InsertRefactorTask(ctx, &types.RefactorTask{
				Type:     types.RefactorRename,
				OldPath:  r.OldPath,
				NewPath:  r.NewPath,
				POIIDMap: idMap,
			}); err != nil {
				return fmt.Errorf("record rename refactor for %s: %w", r.OldPath, err)
			}
		}

		entries := make([]storage.SnapshotEntry, 0, len(current))
		for path, sum := range current {
			entries = append(entries, storage.SnapshotEntry{Path: path, Checksum: sum})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		if err := tx.ReplaceScanSnapshot(ctx, s.root, entries); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
		return nil
	})
}

// upsertPending writes one PENDING work item for a new or modified file.
func (s *Scanner) upsertPending(ctx context.Context, tx storage.Transaction, e storage.SnapshotEntry) error {
	f := &types.File{
		Path:        e.Path,
		Checksum:    e.Checksum,
		Language:    detectLanguage(e.Path),
		SpecialType: classifySpecial(e.Path),
		Status:      types.FileStatusPending,
	}
	if err := tx.UpsertFile(ctx, f); err != nil {
		return fmt.Errorf("upsert work item %s: %w", e.Path, err)
	}
	return nil
}

// applyRename moves the file row (POI file_path follows by cascade) and
// re-keys each POI to the fingerprint of its new path. The old-to-new id
// map travels on the refactor task so the graph ingestor can re-key its
// nodes the same way.
func (s *Scanner) applyRename(ctx context.Context, tx storage.Transaction, r Rename) (map[string]string, error) {
	pois, err := tx.ListPOIsByFile(ctx, r.OldPath)
	if err != nil {
		return nil, fmt.Errorf("list pois of %s: %w", r.OldPath, err)
	}
	if err := tx.RenameFile(ctx, r.OldPath, r.NewPath); err != nil {
		return nil, fmt.Errorf("rename %s to %s: %w", r.OldPath, r.NewPath, err)
	}

	idMap := make(map[string]string, len(pois))
	for _, p := range pois {
		newID := fingerprint.POIID(r.NewPath, p.Name, p.Type, p.StartLine, p.EndLine)
		if newID == p.ID {
			continue
		}
		if err := tx.RekeyPOI(ctx, p.ID, newID); err != nil {
			return nil, fmt.Errorf("rekey poi %s: %w", p.ID, err)
		}
		idMap[p.ID] = newID
	}
	return idMap, nil
}

// enqueue emits one path-discovery event per new or modified file,
// honoring queue backpressure, then the flush control event that forces
// the batcher's final partial batch.
func (s *Scanner) enqueue(ctx context.Context, runID string, changes *ChangeSet) error {
	pending := make([]storage.SnapshotEntry, 0, len(changes.Added)+len(changes.Modified))
	pending = append(pending, changes.Added...)
	pending = append(pending, changes.Modified...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Path < pending[j].Path })

	for _, e := range pending {
		job := types.FileAnalysisJob{
			FilePath: e.Path,
			RunID:    runID,
			JobID:    uuid.NewString(),
		}
		if _, err := s.bus.EnqueueBlocking(ctx, bus.QueuePathDiscovery, bus.JobAnalyzeFile, job); err != nil {
			return fmt.Errorf("enqueue discovery for %s: %w", e.Path, err)
		}
	}
	if len(pending) > 0 {
		if _, err := s.bus.Enqueue(ctx, bus.QueuePathDiscovery, bus.JobFlush, types.GlobalResolutionJob{RunID: runID, JobID: uuid.NewString()}); err != nil {
			return fmt.Errorf("enqueue flush: %w", err)
		}
	}
	return nil
}

// Root returns the absolute scan root.
func (s *Scanner) Root() string {
	return s.root
}

// ContentReader opens a repo-relative path for reading after verifying it
// resolves inside the root. Shared with the batcher and analysis workers
// as the single path-traversal guard.
func ContentReader(root, relPath string) (io.ReadCloser, string, error) {
	abs, err := ResolveWithin(root, relPath)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, "", err
	}
	return f, abs, nil
}

// ResolveWithin joins relPath onto root and rejects any result that
// escapes it, before the path ever reaches the filesystem.
func ResolveWithin(root, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("absolute path %s rejected", relPath)
	}
	abs := filepath.Join(root, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the target root", relPath)
	}
	return abs, nil
}
