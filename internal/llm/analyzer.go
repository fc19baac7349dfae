package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/errs"
	"github.com/trellislabs/trellis/internal/fingerprint"
	"github.com/trellislabs/trellis/internal/logging"
	"github.com/trellislabs/trellis/internal/types"
)

// Per-pass completion budgets. Extraction responses are structurally
// bounded by the input; summaries are capped hard.
const (
	poiMaxTokens     = 4096
	relMaxTokens     = 4096
	summaryMaxTokens = 512
	globalMaxTokens  = 8192
)

// Analyzer runs the analytical passes against a Client, owning the
// sanitize-validate-correct loop and the translation from wire JSON to
// domain types. It never fabricates fields the model did not produce; ids
// are the only derived values.
type Analyzer struct {
	client            Client
	log               *zap.Logger
	correctionRetries int
	allowedTypes      map[types.RelationshipType]bool
	responseCap       int
}

// NewAnalyzer builds an analyzer. correctionRetries bounds the
// self-correction loop per call; responseCap bounds accepted response bytes
// on the aggregate passes.
func NewAnalyzer(client Client, log *zap.Logger, correctionRetries, responseCap int, allowed map[types.RelationshipType]bool) *Analyzer {
	if responseCap <= 0 {
		responseCap = 1 << 20
	}
	return &Analyzer{
		client:            client,
		log:               log,
		correctionRetries: correctionRetries,
		allowedTypes:      allowed,
		responseCap:       responseCap,
	}
}

// completeValidated runs one prompt through the model, sanitizes the
// response, and validates it against validate. Data failures trigger a
// correction prompt quoting the exact validation error, up to the retry
// budget; anything else propagates unchanged.
func (a *Analyzer) completeValidated(ctx context.Context, prompt string, maxTokens int, validate func(string) error) (string, error) {
	current := prompt
	var lastErr error
	for attempt := 0; attempt <= a.correctionRetries; attempt++ {
		raw, err := a.client.Complete(ctx, current, maxTokens)
		if err != nil {
			return "", err
		}
		if len(raw) > a.responseCap {
			return "", errs.Newf(errs.Data, "llm response of %d bytes exceeds cap %d", len(raw), a.responseCap)
		}

		doc, err := Sanitize(raw)
		if err == nil {
			err = validate(doc)
		}
		if err == nil {
			return doc, nil
		}
		if errs.KindOf(err) != errs.Data {
			return "", err
		}
		lastErr = err
		a.log.Debug("llm response rejected, correcting",
			zap.Int("attempt", attempt+1),
			zap.String("response", logging.Snippet(raw)),
			zap.Error(err))

		current, err = render(correctionPromptTmpl, map[string]string{
			"Error":   lastErr.Error(),
			"Snippet": logging.Snippet(raw),
		})
		if err != nil {
			return "", err
		}
	}
	return "", errs.Wrapf(errs.Data, lastErr, "llm output invalid after %d corrections", a.correctionRetries)
}

// wire formats.

type poiWire struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	StartLine  int     `json:"startLine"`
	EndLine    int     `json:"endLine"`
	Confidence float64 `json:"confidence"`
}

type poiResponseWire struct {
	Pois []poiWire `json:"pois"`
}

type relResponseWire struct {
	Relationships []types.RelationshipFinding `json:"relationships"`
}

// ExtractPOIs asks the model for the points of interest of one file.
// Content must already be truncated to the input-token budget. POI ids are
// derived fingerprints; every other field comes from the model.
func (a *Analyzer) ExtractPOIs(ctx context.Context, filePath, content string) ([]*types.POI, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errs.New(errs.Data, "empty file content")
	}

	prompt, err := render(filePromptTmpl, map[string]string{
		"FilePath": filePath,
		"Content":  wrapData(content),
	})
	if err != nil {
		return nil, err
	}

	doc, err := a.completeValidated(ctx, prompt, poiMaxTokens, ValidatePOIResponse)
	if err != nil {
		return nil, err
	}

	var resp poiResponseWire
	if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return nil, errs.Wrapf(errs.Data, err, "decode poi response")
	}

	pois := make([]*types.POI, 0, len(resp.Pois))
	for _, w := range resp.Pois {
		poi := &types.POI{
			ID:         fingerprint.POIID(filePath, w.Name, types.POIType(w.Type), w.StartLine, w.EndLine),
			FilePath:   filePath,
			Name:       w.Name,
			Type:       types.POIType(w.Type),
			StartLine:  w.StartLine,
			EndLine:    w.EndLine,
			Confidence: w.Confidence,
		}
		if err := poi.Validate(); err != nil {
			a.log.Debug("dropping invalid poi from llm response",
				zap.String("file", filePath),
				zap.String("poi", w.Name),
				zap.Error(err))
			continue
		}
		pois = append(pois, poi)
	}
	return pois, nil
}

// describePOI is the data-side rendering of one POI inside a prompt.
func describePOI(p *types.POI) string {
	return fmt.Sprintf("- id=%s name=%s type=%s file=%s lines=%d-%d",
		p.ID, p.Name, p.Type, p.FilePath, p.StartLine, p.EndLine)
}

func (a *Analyzer) typeList() string {
	names := make([]string, 0, len(a.allowedTypes))
	for _, t := range types.AllowedRelationshipTypes() {
		if a.allowedTypes[t] {
			names = append(names, string(t))
		}
	}
	return strings.Join(names, ", ")
}

// filterFindings keeps findings whose type is allowed and whose endpoints
// satisfy valid. Disallowed types are a policy rejection, logged and
// dropped before anything downstream sees them.
func (a *Analyzer) filterFindings(found []types.RelationshipFinding, valid func(from, to string) bool) []types.RelationshipFinding {
	out := make([]types.RelationshipFinding, 0, len(found))
	for _, f := range found {
		if !a.allowedTypes[f.Type] {
			a.log.Warn("rejecting relationship with disallowed type",
				zap.String("type", string(f.Type)),
				zap.String("from", f.From),
				zap.String("to", f.To))
			continue
		}
		if f.From == f.To || !valid(f.From, f.To) {
			a.log.Debug("dropping relationship with unknown endpoints",
				zap.String("from", f.From), zap.String("to", f.To))
			continue
		}
		f.ID = fingerprint.Relationship(f.From, f.To, f.Type)
		out = append(out, f)
	}
	return out
}

// ResolveFileRelationships lists relationships from primary to its sibling
// POIs of the same file (the intra-file pass).
func (a *Analyzer) ResolveFileRelationships(ctx context.Context, filePath string, primary *types.POI, contextual []*types.POI) ([]types.RelationshipFinding, error) {
	if len(contextual) == 0 {
		return nil, nil
	}

	var data strings.Builder
	data.WriteString("Primary POI:\n")
	data.WriteString(describePOI(primary))
	data.WriteString("\n\nSibling POIs:\n")
	siblings := make(map[string]bool, len(contextual))
	for _, p := range contextual {
		siblings[p.ID] = true
		data.WriteString(describePOI(p))
		data.WriteByte('\n')
	}

	prompt, err := render(relationshipPromptTmpl, map[string]string{
		"FilePath": filePath,
		"Data":     wrapData(data.String()),
		"Types":    a.typeList(),
	})
	if err != nil {
		return nil, err
	}

	doc, err := a.completeValidated(ctx, prompt, relMaxTokens, ValidateRelationshipResponse)
	if err != nil {
		return nil, err
	}
	var resp relResponseWire
	if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return nil, errs.Wrapf(errs.Data, err, "decode relationship response")
	}

	return a.filterFindings(resp.Relationships, func(from, to string) bool {
		return from == primary.ID && siblings[to]
	}), nil
}

// ResolveDirectoryRelationships lists cross-file relationships among one
// page of a directory's POIs (the intra-directory pass).
func (a *Analyzer) ResolveDirectoryRelationships(ctx context.Context, dir string, pois []*types.POI) ([]types.RelationshipFinding, error) {
	if len(pois) < 2 {
		return nil, nil
	}

	var data strings.Builder
	known := make(map[string]string, len(pois)) // id -> file
	for _, p := range pois {
		known[p.ID] = p.FilePath
		data.WriteString(describePOI(p))
		data.WriteByte('\n')
	}

	prompt, err := render(directoryPromptTmpl, map[string]string{
		"DirectoryPath": dir,
		"Data":          wrapData(data.String()),
		"Types":         a.typeList(),
	})
	if err != nil {
		return nil, err
	}

	doc, err := a.completeValidated(ctx, prompt, relMaxTokens, ValidateRelationshipResponse)
	if err != nil {
		return nil, err
	}
	var resp relResponseWire
	if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return nil, errs.Wrapf(errs.Data, err, "decode relationship response")
	}

	return a.filterFindings(resp.Relationships, func(from, to string) bool {
		fromFile, okFrom := known[from]
		toFile, okTo := known[to]
		return okFrom && okTo && fromFile != toFile
	}), nil
}

// SummarizeDirectory produces the directory summary the global pass
// consumes.
func (a *Analyzer) SummarizeDirectory(ctx context.Context, dir string, pois []*types.POI) (string, error) {
	var data strings.Builder
	for _, p := range pois {
		data.WriteString(describePOI(p))
		data.WriteByte('\n')
	}

	prompt, err := render(summaryPromptTmpl, map[string]string{
		"DirectoryPath": dir,
		"Data":          wrapData(data.String()),
	})
	if err != nil {
		return "", err
	}

	raw, err := a.client.Complete(ctx, prompt, summaryMaxTokens)
	if err != nil {
		return "", err
	}
	if len(raw) > a.responseCap {
		return "", errs.Newf(errs.Data, "summary of %d bytes exceeds cap %d", len(raw), a.responseCap)
	}
	summary := strings.TrimSpace(raw)
	if summary == "" {
		return "", errs.New(errs.Data, "empty directory summary")
	}
	return summary, nil
}

// ResolveGlobalRelationships aggregates every directory summary of the run,
// each individually wrapped, and asks for inter-directory relationships
// (the global pass). knownPOI reports whether an id exists, so hallucinated
// endpoints are dropped here rather than at the foreign-key constraint.
func (a *Analyzer) ResolveGlobalRelationships(ctx context.Context, summaries []*types.DirectorySummary, knownPOI func(id string) bool) ([]types.RelationshipFinding, error) {
	if len(summaries) < 2 {
		return nil, nil
	}

	var data strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&data, "Directory %s:\n%s\n\n", s.DirectoryPath, wrapData(s.SummaryText))
	}

	prompt, err := render(globalPromptTmpl, map[string]string{
		"Data":  data.String(),
		"Types": a.typeList(),
	})
	if err != nil {
		return nil, err
	}

	doc, err := a.completeValidated(ctx, prompt, globalMaxTokens, ValidateRelationshipResponse)
	if err != nil {
		return nil, err
	}
	var resp relResponseWire
	if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return nil, errs.Wrapf(errs.Data, err, "decode relationship response")
	}

	return a.filterFindings(resp.Relationships, func(from, to string) bool {
		return knownPOI(from) && knownPOI(to)
	}), nil
}
