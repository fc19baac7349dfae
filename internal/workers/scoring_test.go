package workers

import (
	"encoding/json"
	"testing"

	"github.com/trellislabs/trellis/internal/types"
)

func evidenceRow(t *testing.T, id int64, pass types.PassType, confidence float64) *types.Evidence {
	t.Helper()
	payload, err := json.Marshal(types.RelationshipFinding{
		From: "poi-a", To: "poi-b", Type: types.RelCalls, Confidence: confidence,
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return &types.Evidence{ID: id, RelationshipID: "rel-x", RunID: "r", PassType: pass, Payload: string(payload)}
}

func TestScoreSingleEvidenceCapped(t *testing.T) {
	v := scoreEvidence([]*types.Evidence{
		evidenceRow(t, 1, types.PassIntraFile, 0.99),
	})
	if v.Score != singlePassCeiling {
		t.Errorf("score = %g, want ceiling %g", v.Score, singlePassCeiling)
	}
	if !v.Validated {
		t.Error("single strong evidence should validate")
	}
	if v.HasConflict {
		t.Error("no conflict expected")
	}
}

func TestScoreAgreementBoosts(t *testing.T) {
	single := scoreEvidence([]*types.Evidence{
		evidenceRow(t, 1, types.PassIntraFile, 0.6),
	})
	double := scoreEvidence([]*types.Evidence{
		evidenceRow(t, 1, types.PassIntraFile, 0.6),
		evidenceRow(t, 2, types.PassIntraDirectory, 0.7),
	})
	if double.Score <= single.Score {
		t.Errorf("agreement did not boost: %g <= %g", double.Score, single.Score)
	}
	if double.Supporting != 2 {
		t.Errorf("supporting = %d, want 2", double.Supporting)
	}
}

func TestScoreConflictRejects(t *testing.T) {
	v := scoreEvidence([]*types.Evidence{
		evidenceRow(t, 1, types.PassIntraFile, 0.9),
		evidenceRow(t, 2, types.PassIntraDirectory, 0.1), // dissent
	})
	if !v.HasConflict {
		t.Fatal("dissenting evidence not flagged")
	}
	if v.Validated {
		t.Error("conflicted relationship must not validate")
	}
	if v.Dissenting != 1 || v.Supporting != 1 {
		t.Errorf("counts = %d supporting, %d dissenting", v.Supporting, v.Dissenting)
	}
}

func TestScoreDeterministicAcrossOrder(t *testing.T) {
	a := evidenceRow(t, 1, types.PassIntraFile, 0.6)
	b := evidenceRow(t, 2, types.PassIntraDirectory, 0.8)
	c := evidenceRow(t, 3, types.PassGlobal, 0.7)

	forward := scoreEvidence([]*types.Evidence{a, b, c})
	backward := scoreEvidence([]*types.Evidence{c, b, a})
	if forward.Score != backward.Score {
		t.Errorf("delivery order changed the score: %g vs %g", forward.Score, backward.Score)
	}
}

func TestScoreLowSingleEvidenceRejected(t *testing.T) {
	v := scoreEvidence([]*types.Evidence{
		evidenceRow(t, 1, types.PassGlobal, 0.45),
	})
	if v.Validated {
		t.Errorf("score %g below threshold must reject", v.Score)
	}
}

func TestScoreUnscoredEvidenceDefaults(t *testing.T) {
	row := &types.Evidence{ID: 1, PassType: types.PassIntraFile, Payload: "not json"}
	v := scoreEvidence([]*types.Evidence{row})
	if v.Score != defaultConfidence {
		t.Errorf("score = %g, want default %g", v.Score, defaultConfidence)
	}
}
