// Package types defines the core data structures shared across the trellis
// analysis pipeline: files, points of interest, candidate relationships,
// evidence, and the enumerated lifecycles each of them moves through.
package types

import (
	"fmt"
	"time"
)

// File is one scanned source file tracked by the state store. Files are
// created by the scanner, mutated by analysis workers, and removed only by
// the cleanup path once they are marked DELETED_ON_DISK.
type File struct {
	Path          string          `json:"path"`
	Checksum      string          `json:"checksum"`
	Language      string          `json:"language,omitempty"`
	SpecialType   SpecialFileType `json:"specialFileType,omitempty"`
	Status        FileStatus      `json:"status"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	LastProcessed *time.Time      `json:"lastProcessed,omitempty"`
}

// Validate checks that the file row is internally consistent.
func (f *File) Validate() error {
	if f.Path == "" {
		return fmt.Errorf("file path is required")
	}
	if !f.Status.IsValid() {
		return fmt.Errorf("invalid file status: %s", f.Status)
	}
	if f.SpecialType != "" && !f.SpecialType.IsValid() {
		return fmt.Errorf("invalid special file type: %s", f.SpecialType)
	}
	if f.Status.IsFailed() && f.ErrorMessage == "" {
		return fmt.Errorf("failed files must carry an error message")
	}
	return nil
}

// FileStatus is the lifecycle state of a scanned file.
type FileStatus string

// File lifecycle states. A checksum change resets any state back to PENDING.
const (
	FileStatusPending          FileStatus = "PENDING"
	FileStatusProcessing       FileStatus = "PROCESSING"
	FileStatusCompleted        FileStatus = "COMPLETED_SUCCESS"
	FileStatusSkippedTooLarge  FileStatus = "SKIPPED_FILE_TOO_LARGE"
	FileStatusFailedNotFound   FileStatus = "FAILED_FILE_NOT_FOUND"
	FileStatusFailedLLM        FileStatus = "FAILED_LLM_API_ERROR"
	FileStatusFailedValidation FileStatus = "FAILED_VALIDATION_ERROR"
	FileStatusDeletedOnDisk    FileStatus = "DELETED_ON_DISK"
)

// IsValid reports whether the status is a known lifecycle state.
func (s FileStatus) IsValid() bool {
	switch s {
	case FileStatusPending, FileStatusProcessing, FileStatusCompleted,
		FileStatusSkippedTooLarge, FileStatusFailedNotFound,
		FileStatusFailedLLM, FileStatusFailedValidation, FileStatusDeletedOnDisk:
		return true
	}
	return false
}

// IsFailed reports whether the status is one of the FAILED_* states.
func (s FileStatus) IsFailed() bool {
	switch s {
	case FileStatusFailedNotFound, FileStatusFailedLLM, FileStatusFailedValidation:
		return true
	}
	return false
}

// IsTerminal reports whether no worker will pick the file up again without
// an external reset (checksum change or operator intervention).
func (s FileStatus) IsTerminal() bool {
	switch s {
	case FileStatusCompleted, FileStatusSkippedTooLarge, FileStatusDeletedOnDisk:
		return true
	}
	return s.IsFailed()
}

// CanTransitionTo reports whether the lifecycle permits moving from s to
// next. Two transitions are always permitted: a reset to PENDING (checksum
// change), and DELETED_ON_DISK (the file vanished, whatever we were doing).
func (s FileStatus) CanTransitionTo(next FileStatus) bool {
	if next == FileStatusPending || next == FileStatusDeletedOnDisk {
		return true
	}
	switch s {
	case FileStatusPending:
		// FAILED_FILE_NOT_FOUND can hit before processing starts: the file
		// may vanish between scan and batch.
		return next == FileStatusProcessing || next == FileStatusSkippedTooLarge ||
			next == FileStatusFailedNotFound
	case FileStatusProcessing:
		// PROCESSING re-enters itself: a redelivered job whose first
		// delivery crashed mid-flight picks the file up again.
		return next == FileStatusProcessing || next == FileStatusCompleted ||
			next == FileStatusSkippedTooLarge || next.IsFailed()
	}
	return false
}

// SpecialFileType marks files with architectural significance.
type SpecialFileType string

// Special file classifications assigned by the scanner.
const (
	SpecialFileManifest   SpecialFileType = "manifest"
	SpecialFileEntrypoint SpecialFileType = "entrypoint"
	SpecialFileConfig     SpecialFileType = "config"
)

// IsValid checks if the special file type is one of the known values.
func (t SpecialFileType) IsValid() bool {
	switch t {
	case SpecialFileManifest, SpecialFileEntrypoint, SpecialFileConfig:
		return true
	}
	return false
}

// POI is a point of interest: a named code entity detected by the LLM inside
// a file. Its ID is a deterministic fingerprint of
// {file_path, name, type, start_line, end_line}, so re-analyzing an
// unchanged file produces the same IDs and upserts are idempotent.
type POI struct {
	ID          string      `json:"id"`
	FilePath    string      `json:"filePath"`
	Name        string      `json:"name"`
	Type        POIType     `json:"type"`
	StartLine   int         `json:"startLine"`
	EndLine     int         `json:"endLine"`
	Confidence  float64     `json:"confidence"`
	GraphStatus GraphStatus `json:"-"` // ingestion watermark, never on the wire
}

// Validate checks POI field ranges before the row is persisted.
func (p *POI) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("poi name is required")
	}
	if !p.Type.IsValid() {
		return fmt.Errorf("invalid poi type: %s", p.Type)
	}
	if p.StartLine < 1 {
		return fmt.Errorf("start line must be >= 1 (got %d)", p.StartLine)
	}
	if p.EndLine < p.StartLine {
		return fmt.Errorf("end line %d precedes start line %d", p.EndLine, p.StartLine)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1] (got %g)", p.Confidence)
	}
	return nil
}

// POIType classifies a point of interest.
type POIType string

// POI classifications the LLM may assign.
const (
	POITypeFile     POIType = "File"
	POITypeClass    POIType = "Class"
	POITypeFunction POIType = "Function"
	POITypeMethod   POIType = "Method"
	POITypeVariable POIType = "Variable"
	POITypeTable    POIType = "Table"
)

// IsValid checks if the POI type is one of the known classifications.
func (t POIType) IsValid() bool {
	switch t {
	case POITypeFile, POITypeClass, POITypeFunction, POITypeMethod, POITypeVariable, POITypeTable:
		return true
	}
	return false
}

// GraphStatus tracks whether a POI or relationship has been written to the
// graph store yet.
type GraphStatus string

// Graph ingestion watermark values.
const (
	GraphStatusPending  GraphStatus = "PENDING"
	GraphStatusIngested GraphStatus = "INGESTED"
)

// Relationship is a candidate or resolved edge between two POIs. Its ID is
// the relationship fingerprint hash(source_poi_id, target_poi_id, type), so
// the same assertion arriving from different analytical passes lands on the
// same row.
type Relationship struct {
	ID          string             `json:"id"`
	SourcePoiID string             `json:"from"`
	TargetPoiID string             `json:"to"`
	Type        RelationshipType   `json:"type"`
	Confidence  float64            `json:"confidence"`
	Explanation string             `json:"explanation,omitempty"`
	PassType    PassType           `json:"passType,omitempty"`
	Status      RelationshipStatus `json:"status,omitempty"`
}

// Validate checks relationship field ranges before the row is persisted.
func (r *Relationship) Validate() error {
	if r.SourcePoiID == "" || r.TargetPoiID == "" {
		return fmt.Errorf("relationship endpoints are required")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("relationship type %q is not in the allowed set", r.Type)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1] (got %g)", r.Confidence)
	}
	if r.PassType != "" && !r.PassType.IsValid() {
		return fmt.Errorf("invalid pass type: %s", r.PassType)
	}
	return nil
}

// RelationshipType is the edge type written to the graph store. Only types
// in this fixed set may become edge labels; anything else is rejected before
// a query is issued so the LLM cannot inject arbitrary labels.
type RelationshipType string

// The allowed edge vocabulary.
const (
	RelContains     RelationshipType = "CONTAINS"
	RelCalls        RelationshipType = "CALLS"
	RelImports      RelationshipType = "IMPORTS"
	RelExports      RelationshipType = "EXPORTS"
	RelExtends      RelationshipType = "EXTENDS"
	RelImplements   RelationshipType = "IMPLEMENTS"
	RelDependsOn    RelationshipType = "DEPENDS_ON"
	RelUsesDataFrom RelationshipType = "USES_DATA_FROM"
	RelUses         RelationshipType = "USES"
)

// AllowedRelationshipTypes lists the full edge vocabulary in a stable order.
func AllowedRelationshipTypes() []RelationshipType {
	return []RelationshipType{
		RelContains, RelCalls, RelImports, RelExports, RelExtends,
		RelImplements, RelDependsOn, RelUsesDataFrom, RelUses,
	}
}

// IsValid checks if the relationship type is in the allowed edge vocabulary.
func (t RelationshipType) IsValid() bool {
	switch t {
	case RelContains, RelCalls, RelImports, RelExports, RelExtends,
		RelImplements, RelDependsOn, RelUsesDataFrom, RelUses:
		return true
	}
	return false
}

// PassType names the analytical pass that produced a piece of evidence.
type PassType string

// Analytical passes, in increasing scope.
const (
	PassIntraFile      PassType = "Intra-File"
	PassIntraDirectory PassType = "Intra-Directory"
	PassGlobal         PassType = "Global"
)

// IsValid checks if the pass type names a known analytical pass.
func (p PassType) IsValid() bool {
	switch p {
	case PassIntraFile, PassIntraDirectory, PassGlobal:
		return true
	}
	return false
}

// RelationshipStatus is the reconciliation state of a candidate relationship.
type RelationshipStatus string

// Relationship lifecycle: evidence accumulates on a PENDING row, the
// reconciler promotes it to VALIDATED or demotes it to REJECTED, and the
// graph ingestor flips VALIDATED rows to INGESTED after the graph commit.
const (
	RelationshipPending   RelationshipStatus = "PENDING"
	RelationshipValidated RelationshipStatus = "VALIDATED"
	RelationshipRejected  RelationshipStatus = "REJECTED"
	RelationshipIngested  RelationshipStatus = "INGESTED"
)

// IsValid checks if the status is a known reconciliation state.
func (s RelationshipStatus) IsValid() bool {
	switch s {
	case RelationshipPending, RelationshipValidated, RelationshipRejected, RelationshipIngested:
		return true
	}
	return false
}

// Evidence is one analytical pass's assertion about a relationship. Multiple
// evidence rows for the same fingerprint are reconciled into a final
// confidence score, then purged.
type Evidence struct {
	ID             int64    `json:"id"`
	RelationshipID string   `json:"relationshipId"`
	RunID          string   `json:"runId"`
	PassType       PassType `json:"passType"`
	Payload        string   `json:"payload"`
}

// DirectorySummary is the natural-language summary of one directory,
// produced by the directory-resolution pass and consumed by the global pass.
type DirectorySummary struct {
	RunID         string `json:"runId"`
	DirectoryPath string `json:"directoryPath"`
	SummaryText   string `json:"summaryText"`
}

// OutboxStatus is the delivery state of a transactional-outbox row.
type OutboxStatus string

// Outbox delivery states. PUBLISHED rows are immutable; rows whose bus
// submission keeps failing past the retry ceiling are parked as DEAD.
const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxDead      OutboxStatus = "DEAD"
)

// OutboxEvent is one row of the transactional outbox: a domain event written
// in the same transaction as the state change it announces, and published to
// the job bus by the outbox publisher.
type OutboxEvent struct {
	ID        int64        `json:"id"`
	RunID     string       `json:"runId"`
	EventType string       `json:"eventType"`
	Payload   string       `json:"payload"`
	Status    OutboxStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	CreatedAt time.Time    `json:"createdAt"`
}

// RefactorTaskType distinguishes the two refactor operations the graph
// ingestor applies before merging nodes.
type RefactorTaskType string

// Refactor operations recorded by the scanner's incremental pass.
const (
	RefactorDelete RefactorTaskType = "DELETE"
	RefactorRename RefactorTaskType = "RENAME"
)

// RefactorStatus tracks whether a refactor has been applied to the graph.
type RefactorStatus string

// Refactor task lifecycle.
const (
	RefactorPending RefactorStatus = "PENDING"
	RefactorApplied RefactorStatus = "APPLIED"
)

// RefactorTask records a file deletion or rename detected between scans.
// For renames, POIIDMap carries old-POI-id → new-POI-id pairs so the graph
// ingestor can re-key nodes without dropping their edges.
type RefactorTask struct {
	ID       int64             `json:"id"`
	Type     RefactorTaskType  `json:"type"`
	OldPath  string            `json:"oldPath"`
	NewPath  string            `json:"newPath,omitempty"`
	POIIDMap map[string]string `json:"poiIdMap,omitempty"`
	Status   RefactorStatus    `json:"status"`
}

// RunStatus is the lifecycle state of one end-to-end pipeline execution.
type RunStatus string

// Run lifecycle states.
const (
	RunActive    RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Run is one end-to-end pipeline execution. All evidence counters and
// manifests in the KV facility are scoped to the run ID.
type Run struct {
	ID         string     `json:"id"`
	RootPath   string     `json:"rootPath"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
