package constants

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued    JobStatus = "QUEUED"    // waiting for a worker
	JobStatusRunning   JobStatus = "RUNNING"   // owned by a worker
	JobStatusCompleted JobStatus = "COMPLETED" // terminal success (possibly partial)
	JobStatusFailed    JobStatus = "FAILED"    // terminal failure, manually retryable
	JobStatusCancelled JobStatus = "CANCELLED" // terminal
)

// IsTerminal reports whether no worker will move the job any further.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobType selects how much of the pipeline a job runs.
type JobType string

const (
	JobTypeAnalyze   JobType = "ANALYZE"
	JobTypeAnonymize JobType = "ANONYMIZE"
)

// ParseJobType accepts the wire spelling in any case.
func ParseJobType(s string) (JobType, bool) {
	switch JobType(upper(s)) {
	case JobTypeAnalyze:
		return JobTypeAnalyze, true
	case JobTypeAnonymize:
		return JobTypeAnonymize, true
	}
	return "", false
}

// DatasetStatus is the externally visible state of an uploaded file.
type DatasetStatus string

const (
	DatasetStatusUploaded         DatasetStatus = "UPLOADED"
	DatasetStatusProcessing       DatasetStatus = "PROCESSING"
	DatasetStatusCompleted        DatasetStatus = "COMPLETED"
	DatasetStatusFailed           DatasetStatus = "FAILED"
	DatasetStatusExtractionFailed DatasetStatus = "EXTRACTION_FAILED"
	DatasetStatusCancelled        DatasetStatus = "CANCELLED"
)

// DatasetStatusFor maps a job status onto the dataset it ran against.
func DatasetStatusFor(s JobStatus) DatasetStatus {
	switch s {
	case JobStatusRunning:
		return DatasetStatusProcessing
	case JobStatusCompleted:
		return DatasetStatusCompleted
	case JobStatusFailed:
		return DatasetStatusFailed
	case JobStatusCancelled:
		return DatasetStatusCancelled
	default:
		return DatasetStatusUploaded
	}
}
