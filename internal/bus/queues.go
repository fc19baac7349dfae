package bus

// Queue names are part of the external contract: producers and consumers on
// both sides of the bus must agree on these strings exactly.
const (
	QueuePathDiscovery          = "path-discovery-queue"
	QueueFileAnalysis           = "file-analysis-queue"
	QueueDirectoryAggregation   = "directory-aggregation-queue"
	QueueDirectoryResolution    = "directory-resolution-queue"
	QueueGlobalResolution       = "global-resolution-queue"
	QueueRelationshipResolution = "relationship-resolution-queue"
	QueueAnalysisFindings       = "analysis-findings-queue"
	QueueReconciliation         = "reconciliation-queue"
	QueueGraphIngestion         = "graph-ingestion-queue"
	QueueFailedJobs             = "failed-jobs"
)

// Job names carried in envelopes. Consumers dispatch on these.
const (
	JobAnalyzeFile          = "analyze-file"
	JobFileBatch            = "file-batch"
	JobFlush                = "flush"
	JobAggregateDirectory   = "aggregate-directory"
	JobAnalyzeDirectory     = "analyze-directory"
	JobResolveGlobal        = "resolve-global"
	JobResolveRelationships = "resolve-relationships"
	JobFinding              = "finding"
	JobReconcile            = "reconcile-relationship"
	JobGraphData            = "graph-data"
)
