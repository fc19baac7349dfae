// Package graph is the knowledge-graph store client. The pipeline writes
// nodes and edges through explicit transactions so a batch either lands
// whole or not at all; the relational state store is only advanced after the
// graph transaction commits.
package graph

import "context"

// Counters summarizes what one statement changed, taken from the server's
// result summary.
type Counters struct {
	NodesCreated         int
	NodesDeleted         int
	RelationshipsCreated int
	PropertiesSet        int
}

// Add accumulates another statement's counters.
func (c *Counters) Add(o Counters) {
	c.NodesCreated += o.NodesCreated
	c.NodesDeleted += o.NodesDeleted
	c.RelationshipsCreated += o.RelationshipsCreated
	c.PropertiesSet += o.PropertiesSet
}

// Tx is one explicit write transaction. Statements observe each other's
// effects; nothing is visible outside until the transaction commits.
type Tx interface {
	// Run executes a statement and consumes its result summary.
	Run(ctx context.Context, cypher string, params map[string]any) (Counters, error)
	// Collect executes a statement and returns its rows as generic maps.
	Collect(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Store is the graph-store contract. The driver-backed implementation is
// Client; tests substitute a recording fake.
type Store interface {
	// InWriteTransaction runs fn inside one explicit write transaction,
	// committing on a nil return and rolling back otherwise.
	InWriteTransaction(ctx context.Context, fn func(tx Tx) error) error
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
