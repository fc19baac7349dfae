// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/trellislabs/trellis/internal/storage"
)

// Verify Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements the storage.Store interface using SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool // Tracks whether Close() has been called
}

// setupWASMCache configures WASM compilation caching to reduce SQLite
// startup time. Returns the cache directory path (empty string when falling
// back to the in-memory cache).
//
// Cache behavior:
//   - Location: ~/.cache/trellis/wasm/ (platform-specific via os.UserCacheDir)
//   - Version management: wazero automatically keys cache by its version
//   - Fallback: in-memory cache if filesystem cache creation fails
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "trellis", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

func init() {
	// Avoid the WASM JIT compilation cost on every process start.
	_ = setupWASMCache()
}

// New creates a SQLite-backed state store at path, initializing the schema
// on first open.
func New(ctx context.Context, path string) (*Store, error) {
	// Build connection string with proper URI syntax.
	// For :memory: databases, use shared cache so multiple connections see
	// the same data.
	var connStr string
	if path == ":memory:" {
		// WAL mode doesn't work with shared in-memory databases, so use
		// DELETE mode. The name "memdb" is required for cache=shared to
		// work across connections.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases are isolated per connection by default; force a
	// single connection so every query sees the same data.
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// SQLite WAL mode supports 1 writer + unlimited readers; cap the
		// pool to keep goroutines from piling up on write-lock contention.
		maxConns := runtime.NumCPU() + 1
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := verifySchema(db); err != nil {
		return nil, fmt.Errorf("schema probe failed: %w", err)
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		absPath, err = filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// verifySchema probes each table the pipeline depends on so a corrupted or
// foreign database fails fast instead of at the first worker write.
func verifySchema(db *sql.DB) error {
	probes := []string{
		`SELECT path, checksum, language, special_file_type, status, error_message, last_processed FROM files LIMIT 0`,
		`SELECT id, file_path, name, type, start_line, end_line, confidence, graph_status FROM points_of_interest LIMIT 0`,
		`SELECT id, source_poi_id, target_poi_id, type, confidence, explanation, pass_type, status FROM resolved_relationships LIMIT 0`,
		`SELECT id, relationship_id, run_id, pass_type, evidence_payload FROM relationship_evidence LIMIT 0`,
		`SELECT id, run_id, event_type, payload, status, attempts, created_at FROM outbox LIMIT 0`,
		`SELECT run_id, directory_path, summary_text FROM directory_summaries LIMIT 0`,
		`SELECT id, task_type, old_path, new_path, poi_id_map, status FROM refactor_tasks LIMIT 0`,
		`SELECT root_path, path, checksum FROM scan_snapshots LIMIT 0`,
		`SELECT id, root_path, status, started_at, finished_at FROM runs LIMIT 0`,
	}
	for _, probe := range probes {
		if _, err := db.Exec(probe); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection. It checkpoints the WAL so all
// writes are flushed to the main database file.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the absolute path to the database file.
func (s *Store) Path() string {
	return s.dbPath
}
