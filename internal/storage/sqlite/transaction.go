package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/trellislabs/trellis/internal/storage"
)

// Verify sqliteTx implements storage.Transaction at compile time.
var _ storage.Transaction = (*sqliteTx)(nil)

// sqliteTx implements the storage.Transaction interface for SQLite.
// It wraps a dedicated database connection with an active transaction.
type sqliteTx struct {
	conn   *sql.Conn // Dedicated connection for the transaction
	parent *Store    // Parent store for accessing shared state
}

// RunInTransaction executes a function within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// preventing deadlocks when multiple goroutines compete for it.
//
// Transaction lifecycle:
//  1. Acquire dedicated connection from pool
//  2. Begin IMMEDIATE transaction with retry on SQLITE_BUSY
//  3. Execute user function with Transaction interface
//  4. On success: COMMIT
//  5. On error or panic: ROLLBACK
//
// Panic safety: if the callback panics, the transaction is rolled back and
// the panic is re-raised to the caller.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}

	// All operations in the transaction must use the same connection;
	// database/sql's pool would otherwise spread them across connections.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// We use raw Exec instead of BeginTx because database/sql doesn't
	// support transaction modes, and the driver's BeginTx uses DEFERRED.
	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Track commit state for cleanup.
	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			// Rollback happens via the committed=false check above.
			panic(r)
		}
	}()

	tx := &sqliteTx{conn: conn, parent: s}
	if err := fn(tx); err != nil {
		return err // Rollback happens in defer
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry issues BEGIN IMMEDIATE, retrying with exponential
// backoff while the database reports SQLITE_BUSY. busy_timeout already
// absorbs most contention; this covers the window where another connection
// holds RESERVED past the timeout.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, maxRetries int, initialDelay time.Duration) error {
	delay := initialDelay
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("database busy after %d attempts: %w", maxRetries+1, err)
}

// isBusyError detects SQLITE_BUSY and SQLITE_LOCKED across the message
// formats the driver produces.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
