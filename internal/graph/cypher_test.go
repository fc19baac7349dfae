package graph

import (
	"strings"
	"testing"

	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/types"
)

func TestNodeLabelCoversVocabulary(t *testing.T) {
	for _, poiType := range []types.POIType{
		types.POITypeFile, types.POITypeClass, types.POITypeFunction,
		types.POITypeMethod, types.POITypeVariable, types.POITypeTable,
	} {
		if _, err := NodeLabel(poiType); err != nil {
			t.Errorf("NodeLabel(%s): %v", poiType, err)
		}
	}
	if _, err := NodeLabel("Gadget"); errs.KindOf(err) != errs.Policy {
		t.Errorf("unknown poi type not rejected as policy: %v", err)
	}
}

func TestMergeNodesCypherFileKeyedByPath(t *testing.T) {
	stmt, err := MergeNodesCypher(types.POITypeFile)
	if err != nil {
		t.Fatalf("MergeNodesCypher: %v", err)
	}
	if !strings.Contains(stmt, "MERGE (n:File {path: poi.filePath})") {
		t.Errorf("file nodes not merged on path:\n%s", stmt)
	}

	stmt, err = MergeNodesCypher(types.POITypeFunction)
	if err != nil {
		t.Fatalf("MergeNodesCypher: %v", err)
	}
	if !strings.Contains(stmt, "MERGE (n:Function {id: poi.id})") {
		t.Errorf("entity nodes not merged on id:\n%s", stmt)
	}
}

func TestMergeEdgesCypherEnforcesAllowlist(t *testing.T) {
	for _, relType := range types.AllowedRelationshipTypes() {
		stmt, err := MergeEdgesCypher(relType)
		if err != nil {
			t.Errorf("MergeEdgesCypher(%s): %v", relType, err)
			continue
		}
		if !strings.Contains(stmt, "[r:"+string(relType)+"]") {
			t.Errorf("edge type %s not interpolated as label", relType)
		}
		if !strings.Contains(stmt, "MATCH (a {id: row.source})") {
			t.Errorf("endpoints not MATCHed for %s", relType)
		}
	}

	if _, err := MergeEdgesCypher("DROP_TABLE"); errs.KindOf(err) != errs.Policy {
		t.Errorf("disallowed edge type not rejected as policy: %v", err)
	}
}
