package types

// Outbox event types. The publisher routes each type to its downstream
// queue; consumers dispatch on the envelope's "type" field.
const (
	EventFileAnalysisFinding         = "file-analysis-finding"
	EventDirectoryAnalysisFinding    = "directory-analysis-finding"
	EventRelationshipAnalysisFinding = "relationship-analysis-finding"
	EventGraphData                   = "graph-data"
)

// Envelope source identifiers, recorded so a finding can be traced back to
// the worker that produced it.
const (
	SourceFileAnalysis           = "FileAnalysisWorker"
	SourceDirectoryResolution    = "DirectoryResolutionWorker"
	SourceGlobalResolution       = "GlobalResolutionWorker"
	SourceRelationshipResolution = "RelationshipResolutionWorker"
)

// FileAnalysisFinding announces the POIs discovered in a single file. It is
// written to the outbox in the same transaction that upserts the POIs.
type FileAnalysisFinding struct {
	Type     string `json:"type"`
	Source   string `json:"source"`
	JobID    string `json:"jobId"`
	RunID    string `json:"runId"`
	FilePath string `json:"filePath"`
	Pois     []POI  `json:"pois"`
}

// DirectoryAnalysisFinding announces a completed directory summary.
type DirectoryAnalysisFinding struct {
	Type          string `json:"type"`
	Source        string `json:"source"`
	JobID         string `json:"jobId"`
	RunID         string `json:"runId"`
	DirectoryPath string `json:"directoryPath"`
	Summary       string `json:"summary"`
}

// RelationshipAnalysisFinding carries one batch of candidate relationships
// asserted by an analytical pass. The validation worker treats each entry as
// evidence, keyed by the relationship fingerprint it recomputes itself.
type RelationshipAnalysisFinding struct {
	Type          string                `json:"type"`
	Source        string                `json:"source"`
	JobID         string                `json:"jobId"`
	RunID         string                `json:"runId"`
	FilePath      string                `json:"filePath,omitempty"`
	PassType      PassType              `json:"passType"`
	Relationships []RelationshipFinding `json:"relationships"`
}

// RelationshipFinding is a single asserted relationship inside a finding
// envelope. From and To are POI ids; Evidence is the pass's free-text
// justification. The id is advisory; consumers recompute the fingerprint
// from (from, to, type) rather than trusting it.
type RelationshipFinding struct {
	ID         string           `json:"id,omitempty"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Type       RelationshipType `json:"type"`
	Evidence   string           `json:"evidence,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
}

// GraphData is the graph-ingestor input: one batch of nodes and validated
// relationships. It must pass schema validation before any Cypher is issued.
type GraphData struct {
	BatchID   string       `json:"batchId"`
	GraphJSON GraphPayload `json:"graphJson"`
}

// GraphPayload is the node/edge body of a GraphData batch.
type GraphPayload struct {
	Pois          []POI               `json:"pois"`
	Relationships []GraphRelationship `json:"relationships"`
}

// GraphRelationship is the wire form of a validated edge bound for the
// graph store.
type GraphRelationship struct {
	ID         string           `json:"id"`
	Source     string           `json:"source"`
	Target     string           `json:"target"`
	Type       RelationshipType `json:"type"`
	Confidence float64          `json:"confidence"`
}
