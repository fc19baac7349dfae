package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/trellislabs/trellis/internal/storage"
)

// wrapDBError wraps a database error with operation context.
// It converts sql.ErrNoRows to storage.ErrNotFound and constraint
// violations to storage.ErrConflict for consistent handling upstream.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if isConstraintViolation(err) {
		return fmt.Errorf("%s: %w: %v", op, storage.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isConstraintViolation detects UNIQUE and FOREIGN KEY failures across the
// message formats the driver produces.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "constraint violation")
}
