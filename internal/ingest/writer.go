package ingest

import (
	"context"
	"sort"

	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/graph"
	"github.com/trellislabs/trellis/internal/types"
)

// The writer path shared by the periodic drain and the graph-data queue
// handler. Order inside the transaction is fixed: refactors first so stale
// nodes are gone before merges, then nodes, then edges so endpoint MATCHes
// can see nodes merged in the same batch.

// edge is one validated relationship bound for the graph.
type edge struct {
	ID         string
	Source     string
	Target     string
	Type       types.RelationshipType
	Confidence float64
}

func poiParam(p *types.POI) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"filePath":   p.FilePath,
		"name":       p.Name,
		"type":       string(p.Type),
		"startLine":  p.StartLine,
		"endLine":    p.EndLine,
		"confidence": p.Confidence,
	}
}

// applyRefactors runs the deletes and renames recorded since the last cycle.
func applyRefactors(ctx context.Context, tx graph.Tx, tasks []*types.RefactorTask) (graph.Counters, error) {
	var total graph.Counters
	for _, task := range tasks {
		switch task.Type {
		case types.RefactorDelete:
			for _, stmt := range []string{graph.DeleteFileNode, graph.DeleteFileEntities} {
				c, err := tx.Run(ctx, stmt, map[string]any{"path": task.OldPath})
				if err != nil {
					return total, err
				}
				total.Add(c)
			}

		case types.RefactorRename:
			c, err := tx.Run(ctx, graph.RenameFileNode, map[string]any{
				"old": task.OldPath, "new": task.NewPath,
			})
			if err != nil {
				return total, err
			}
			total.Add(c)
			// Stable iteration keeps replays byte-identical in the logs.
			oldIDs := make([]string, 0, len(task.POIIDMap))
			for oldID := range task.POIIDMap {
				oldIDs = append(oldIDs, oldID)
			}
			sort.Strings(oldIDs)
			for _, oldID := range oldIDs {
				c, err := tx.Run(ctx, graph.RekeyEntity, map[string]any{
					"old": oldID, "new": task.POIIDMap[oldID], "path": task.NewPath,
				})
				if err != nil {
					return total, err
				}
				total.Add(c)
			}

		default:
			return total, errs.Newf(errs.Data, "unknown refactor type %q", task.Type)
		}
	}
	return total, nil
}

// mergeNodes upserts one label group at a time.
func mergeNodes(ctx context.Context, tx graph.Tx, pois []*types.POI) (graph.Counters, error) {
	groups := make(map[types.POIType][]map[string]any)
	for _, p := range pois {
		groups[p.Type] = append(groups[p.Type], poiParam(p))
	}
	kinds := make([]types.POIType, 0, len(groups))
	for t := range groups {
		kinds = append(kinds, t)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var total graph.Counters
	for _, t := range kinds {
		cypher, err := graph.MergeNodesCypher(t)
		if err != nil {
			return total, err
		}
		c, err := tx.Run(ctx, cypher, map[string]any{"pois": groups[t]})
		if err != nil {
			return total, err
		}
		total.Add(c)
	}
	return total, nil
}

// mergeEdges merges one edge-type group at a time and returns the ids of the
// rows whose endpoints both matched. Rows whose endpoints are missing are
// simply absent from the result; the caller leaves them for a later cycle.
func mergeEdges(ctx context.Context, tx graph.Tx, edges []edge) ([]string, error) {
	groups := make(map[types.RelationshipType][]map[string]any)
	for _, e := range edges {
		groups[e.Type] = append(groups[e.Type], map[string]any{
			"id":         e.ID,
			"source":     e.Source,
			"target":     e.Target,
			"confidence": e.Confidence,
		})
	}
	kinds := make([]types.RelationshipType, 0, len(groups))
	for t := range groups {
		kinds = append(kinds, t)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var matched []string
	for _, t := range kinds {
		cypher, err := graph.MergeEdgesCypher(t)
		if err != nil {
			return matched, err
		}
		rows, err := tx.Collect(ctx, cypher, map[string]any{"rows": groups[t]})
		if err != nil {
			return matched, err
		}
		for _, row := range rows {
			if id, ok := row["id"].(string); ok {
				matched = append(matched, id)
			}
		}
	}
	return matched, nil
}
