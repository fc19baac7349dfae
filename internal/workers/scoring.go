package workers

import (
	"encoding/json"
	"sort"

	"github.com/trellislabs/trellis/internal/types"
)

// Reconciliation scoring constants. The fold below is deterministic for a
// given evidence set: rows are sorted by a canonical key first, so delivery
// order never changes the outcome.
const (
	// agreementBoost moves the score toward 1 for each agreeing pass.
	agreementBoost = 0.2
	// conflictPenalty scales the score down for each dissenting pass.
	conflictPenalty = 0.4
	// singlePassCeiling caps a score backed by only one pass; a single
	// assertion can never reach full confidence.
	singlePassCeiling = 0.85
	// validationThreshold is the score a relationship must exceed to be
	// VALIDATED.
	validationThreshold = 0.5
	// defaultConfidence stands in when a pass asserted a relationship
	// without scoring it.
	defaultConfidence = 0.5
	// conflictFloor is the confidence below which an assertion counts as
	// dissent: the pass looked at both endpoints and did not believe the
	// relationship.
	conflictFloor = 0.3
)

// Verdict is the outcome of scoring one relationship's evidence.
type Verdict struct {
	Score       float64
	HasConflict bool
	Validated   bool
	Supporting  int
	Dissenting  int
}

// scoreEvidence folds a relationship's evidence rows into a final
// confidence. The first row (in canonical order) seeds the score with its
// confidence; each further supporting row boosts toward 1, each dissenting
// row scales down. Any dissent rejects the relationship outright, whatever
// the residual score.
func scoreEvidence(rows []*types.Evidence) Verdict {
	ordered := make([]*types.Evidence, len(rows))
	copy(ordered, rows)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].PassType != ordered[j].PassType {
			return ordered[i].PassType < ordered[j].PassType
		}
		return ordered[i].ID < ordered[j].ID
	})

	var v Verdict
	score := 0.0
	for i, row := range ordered {
		conf := evidenceConfidence(row)
		dissent := conf < conflictFloor
		switch {
		case i == 0:
			score = conf
			if dissent {
				v.Dissenting++
				v.HasConflict = true
			} else {
				v.Supporting++
			}
		case dissent:
			score *= conflictPenalty
			v.Dissenting++
			v.HasConflict = true
		default:
			score += (1 - score) * agreementBoost
			v.Supporting++
		}
	}
	if len(ordered) == 1 && score > singlePassCeiling {
		score = singlePassCeiling
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	v.Score = score
	v.Validated = score > validationThreshold && !v.HasConflict
	return v
}

// evidenceConfidence extracts the asserting pass's confidence from the
// evidence payload, defaulting when the pass did not score it.
func evidenceConfidence(row *types.Evidence) float64 {
	var f types.RelationshipFinding
	if err := json.Unmarshal([]byte(row.Payload), &f); err != nil {
		return defaultConfidence
	}
	if f.Confidence <= 0 || f.Confidence > 1 {
		return defaultConfidence
	}
	return f.Confidence
}
