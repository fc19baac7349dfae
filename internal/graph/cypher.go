package graph

import (
	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/types"
)

// Cypher statement builders. Node labels and edge labels are interpolated
// into statement text, so both go through a fixed allowlist first; anything
// outside it is a Policy error and no statement is built. Values always
// travel as parameters.

// Statements used by the refactor pass. File nodes are keyed by path;
// entity nodes carry a filePath property pointing at their file. A rename
// moves the File node's path key only; its id stays a fingerprint, re-keyed
// by the RekeyEntity statement like every other node of the file.
const (
	DeleteFileNode     = `MATCH (f:File {path: $path}) DETACH DELETE f`
	DeleteFileEntities = `MATCH (p {filePath: $path}) DETACH DELETE p`
	RenameFileNode     = `MATCH (f:File {path: $old}) SET f.path = $new`
	RekeyEntity        = `MATCH (p {id: $old}) SET p.id = $new, p.filePath = $path`
)

// NodeLabel maps a POI type onto the node label written to the graph.
func NodeLabel(t types.POIType) (string, error) {
	switch t {
	case types.POITypeFile:
		return "File", nil
	case types.POITypeClass:
		return "Class", nil
	case types.POITypeFunction:
		return "Function", nil
	case types.POITypeMethod:
		return "Method", nil
	case types.POITypeVariable:
		return "Variable", nil
	case types.POITypeTable:
		return "Table", nil
	}
	return "", errs.Newf(errs.Policy, "poi type %q has no node label", t)
}

// MergeNodesCypher returns the UNWIND..MERGE statement for one label group.
// File nodes merge on path so a file keeps its identity across re-analysis;
// everything else merges on the fingerprint id.
func MergeNodesCypher(t types.POIType) (string, error) {
	label, err := NodeLabel(t)
	if err != nil {
		return "", err
	}
	if t == types.POITypeFile {
		return `UNWIND $pois AS poi
MERGE (n:File {path: poi.filePath})
SET n.id = poi.id, n.name = poi.name,
    n.startLine = poi.startLine, n.endLine = poi.endLine,
    n.confidence = poi.confidence`, nil
	}
	return `UNWIND $pois AS poi
MERGE (n:` + label + ` {id: poi.id})
SET n.name = poi.name, n.filePath = poi.filePath,
    n.startLine = poi.startLine, n.endLine = poi.endLine,
    n.confidence = poi.confidence`, nil
}

// MergeEdgesCypher returns the UNWIND..MERGE statement for one edge type.
// Endpoints are MATCHed, not MERGEd, so an edge is only created when both
// nodes already exist; the returned ids identify the rows that landed.
func MergeEdgesCypher(t types.RelationshipType) (string, error) {
	if !t.IsValid() {
		return "", errs.Newf(errs.Policy, "relationship type %q is not in the allowed edge set", t)
	}
	return `UNWIND $rows AS row
MATCH (a {id: row.source})
MATCH (b {id: row.target})
MERGE (a)-[r:` + string(t) + `]->(b)
SET r.id = row.id, r.confidence = row.confidence
RETURN row.id AS id`, nil
}
