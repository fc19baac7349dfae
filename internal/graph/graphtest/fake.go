// Package graphtest provides a recording in-memory graph.Store for tests.
// It understands just enough of the pipeline's statements to simulate MATCH
// semantics: merged nodes become visible to later statements in the same
// transaction, edges only land when both endpoints exist, and nothing
// survives a rolled-back transaction.
package graphtest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/trellislabs/trellis/internal/graph"
)

// Statement is one recorded Run or Collect call.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Fake implements graph.Store.
type Fake struct {
	mu        sync.Mutex
	nodes     map[string]map[string]any
	committed [][]Statement

	// FailOn makes any statement containing the substring fail.
	FailOn string
	// CommitErr fails the commit after the callback succeeded.
	CommitErr error
	// PingErr is returned by Ping.
	PingErr error
}

// New returns an empty fake graph.
func New() *Fake {
	return &Fake{nodes: make(map[string]map[string]any)}
}

// InWriteTransaction runs fn against a working copy; effects apply only on a
// clean commit.
func (f *Fake) InWriteTransaction(ctx context.Context, fn func(tx graph.Tx) error) error {
	f.mu.Lock()
	working := make(map[string]map[string]any, len(f.nodes))
	for id, props := range f.nodes {
		working[id] = props
	}
	f.mu.Unlock()

	tx := &fakeTx{fake: f, nodes: working}
	if err := fn(tx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.nodes = tx.nodes
	f.committed = append(f.committed, tx.stmts)
	return nil
}

// Ping reports the configured reachability.
func (f *Fake) Ping(context.Context) error { return f.PingErr }

// Close is a no-op.
func (f *Fake) Close(context.Context) error { return nil }

// NodeIDs returns the ids of all committed nodes, sorted.
func (f *Fake) NodeIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.nodes))
	for id := range f.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Node returns the committed properties of one node.
func (f *Fake) Node(id string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	props, ok := f.nodes[id]
	return props, ok
}

// Statements returns every statement from committed transactions, in order.
func (f *Fake) Statements() []Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Statement
	for _, tx := range f.committed {
		out = append(out, tx...)
	}
	return out
}

// CommittedTxCount returns how many transactions committed.
func (f *Fake) CommittedTxCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type fakeTx struct {
	fake  *Fake
	nodes map[string]map[string]any
	stmts []Statement
}

func (t *fakeTx) fail(cypher string) bool {
	return t.fake.FailOn != "" && strings.Contains(cypher, t.fake.FailOn)
}

func (t *fakeTx) Run(ctx context.Context, cypher string, params map[string]any) (graph.Counters, error) {
	if t.fail(cypher) {
		return graph.Counters{}, &statementError{cypher: cypher}
	}
	t.stmts = append(t.stmts, Statement{Cypher: cypher, Params: params})

	var counters graph.Counters
	switch {
	case strings.Contains(cypher, "UNWIND $pois"):
		pois, _ := params["pois"].([]map[string]any)
		for _, poi := range pois {
			id, _ := poi["id"].(string)
			if id == "" {
				continue
			}
			if _, exists := t.nodes[id]; !exists {
				counters.NodesCreated++
			}
			t.nodes[id] = poi
		}

	case strings.Contains(cypher, "DETACH DELETE"):
		path, _ := params["path"].(string)
		for id, props := range t.nodes {
			if props["filePath"] == path || props["path"] == path {
				delete(t.nodes, id)
				counters.NodesDeleted++
			}
		}

	case strings.Contains(cypher, "SET f.path"):
		oldPath, _ := params["old"].(string)
		newPath, _ := params["new"].(string)
		var matched []string
		for id, props := range t.nodes {
			if props["type"] == "File" && props["filePath"] == oldPath {
				matched = append(matched, id)
			}
		}
		sort.Strings(matched)
		for _, id := range matched {
			props := t.nodes[id]
			props["filePath"] = newPath
			counters.PropertiesSet++
			// A statement that also rewrites f.id re-keys the node under
			// the new value, like the real store.
			if strings.Contains(cypher, "f.id") {
				delete(t.nodes, id)
				props["id"] = newPath
				t.nodes[newPath] = props
			}
		}

	case strings.Contains(cypher, "SET p.id"):
		oldID, _ := params["old"].(string)
		newID, _ := params["new"].(string)
		if props, ok := t.nodes[oldID]; ok {
			delete(t.nodes, oldID)
			props["id"] = newID
			if path, ok := params["path"].(string); ok && path != "" {
				props["filePath"] = path
			}
			t.nodes[newID] = props
			counters.PropertiesSet++
		}
	}
	return counters, nil
}

func (t *fakeTx) Collect(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	if t.fail(cypher) {
		return nil, &statementError{cypher: cypher}
	}
	t.stmts = append(t.stmts, Statement{Cypher: cypher, Params: params})

	rows, _ := params["rows"].([]map[string]any)
	var out []map[string]any
	for _, row := range rows {
		source, _ := row["source"].(string)
		target, _ := row["target"].(string)
		if _, ok := t.nodes[source]; !ok {
			continue
		}
		if _, ok := t.nodes[target]; !ok {
			continue
		}
		out = append(out, map[string]any{"id": row["id"]})
	}
	return out, nil
}

type statementError struct {
	cypher string
}

func (e *statementError) Error() string {
	return "statement failed: " + e.cypher
}
