// Package trellis provides a minimal public API for embedding the analysis
// pipeline's results in other Go programs.
//
// Most integrations should consume the knowledge graph directly. This
// package exports only the types and openers needed to read (or extend) the
// relational state store programmatically.
package trellis

import (
	"context"

	"github.com/trellislabs/trellis/internal/storage"
	"github.com/trellislabs/trellis/internal/storage/sqlite"
	"github.com/trellislabs/trellis/internal/types"
)

// Core types describing analysis results.
type (
	File         = types.File
	POI          = types.POI
	Relationship = types.Relationship
	Run          = types.Run
	Stats        = storage.Stats
)

// File lifecycle states.
const (
	FileStatusPending   = types.FileStatusPending
	FileStatusCompleted = types.FileStatusCompleted
)

// Relationship reconciliation states.
const (
	RelationshipPending   = types.RelationshipPending
	RelationshipValidated = types.RelationshipValidated
	RelationshipRejected  = types.RelationshipRejected
	RelationshipIngested  = types.RelationshipIngested
)

// Store is the read/write contract of the state store.
type Store = storage.Store

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = storage.ErrNotFound

// Open opens the state store at path, creating the schema on first use.
func Open(ctx context.Context, path string) (Store, error) {
	return sqlite.New(ctx, path)
}
