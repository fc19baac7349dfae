package types

// Job payloads carried on the bus queues. Every payload includes the run ID
// and a job ID so failures can be traced end to end; consumers are
// idempotent, so a payload may be delivered more than once.

// FileAnalysisJob asks the file-analysis worker to analyze one file.
type FileAnalysisJob struct {
	FilePath string `json:"filePath"`
	RunID    string `json:"runId"`
	JobID    string `json:"jobId"`
}

// FileBatchJob is one token-capped batch of files emitted by the discovery
// batcher. The file-analysis worker fans the files out internally.
type FileBatchJob struct {
	BatchID string      `json:"batchId"`
	RunID   string      `json:"runId"`
	Files   []BatchFile `json:"files"`
}

// BatchFile is one entry of a FileBatchJob.
type BatchFile struct {
	Path   string `json:"path"`
	Tokens int    `json:"tokens"`
}

// DirectoryAggregationJob signals that a file in the directory has finished
// analysis. The aggregation worker decides when the whole directory is done.
type DirectoryAggregationJob struct {
	DirectoryPath string `json:"directoryPath"`
	FilePath      string `json:"filePath"`
	RunID         string `json:"runId"`
	JobID         string `json:"jobId"`
}

// DirectoryResolutionJob asks the directory-resolution worker to summarize a
// completed directory and resolve its intra-directory relationships.
type DirectoryResolutionJob struct {
	DirectoryPath string `json:"directoryPath"`
	RunID         string `json:"runId"`
	JobID         string `json:"jobId"`
}

// GlobalResolutionJob asks the global-resolution worker to resolve
// inter-directory relationships from the accumulated directory summaries.
type GlobalResolutionJob struct {
	RunID string `json:"runId"`
	JobID string `json:"jobId"`
}

// RelationshipResolutionJob asks for relationships whose source is
// PrimaryPoi and whose target is among ContextualPois.
type RelationshipResolutionJob struct {
	FilePath       string `json:"filePath"`
	PrimaryPoi     POI    `json:"primaryPoi"`
	ContextualPois []POI  `json:"contextualPois"`
	RunID          string `json:"runId"`
	JobID          string `json:"jobId"`
}

// ReconcileJob asks the reconciliation worker to score one relationship
// fingerprint whose expected evidence has fully arrived.
type ReconcileJob struct {
	RunID          string `json:"runId"`
	RelationshipID string `json:"relationshipId"`
	JobID          string `json:"jobId"`
}
