package models

import "context"

// ClusterBackend is the interface every external scheduler integration
// implements. Never call a concrete scheduler directly; inject this.
type ClusterBackend interface {
	// Submit hands descriptors to the scheduler. Accepted jobs are returned
	// in SubmitResult.Refs; per-job refusals in SubmitResult.Rejected. Jobs
	// in neither map were not handed over. A non-nil error means nothing in
	// the call was submitted.
	Submit(ctx context.Context, jobs []JobDescriptor) (SubmitResult, error)
	// Poll reports live status for each reference. References the scheduler
	// does not know are reported as LiveUnknown, never as an error.
	Poll(ctx context.Context, refs []string) (map[string]LiveStatus, error)
	// Cancel is best-effort. References already gone are not an error.
	Cancel(ctx context.Context, refs []string) (int, error)
	// Name returns the backend identifier (e.g., "htcondor", "boinc").
	Name() string
}

// JobDescriptor is everything a scheduler needs to run one job.
type JobDescriptor struct {
	JobID            string            `json:"job_id"`
	Campaign         string            `json:"campaign"`
	Stage            Stage             `json:"stage"`
	BatchName        string            `json:"batch_name,omitempty"`
	Executable       string            `json:"executable"`
	Arguments        []string          `json:"arguments"`
	InputFiles       []string          `json:"input_files"`
	OutputDirectory  string            `json:"output_directory"`
	ResourceRequests map[string]string `json:"resource_requests,omitempty"`
}

// SubmitResult is the per-job outcome of a submission.
type SubmitResult struct {
	Refs     map[string]string // job_id -> cluster_ref
	Rejected map[string]error  // job_id -> reason
}

// NewSubmitResult returns an empty, ready to fill result.
func NewSubmitResult() SubmitResult {
	return SubmitResult{Refs: map[string]string{}, Rejected: map[string]error{}}
}

// Merge folds other into r.
func (r SubmitResult) Merge(other SubmitResult) {
	for k, v := range other.Refs {
		r.Refs[k] = v
	}
	for k, v := range other.Rejected {
		r.Rejected[k] = v
	}
}

// LiveStatus is the scheduler's view of a job.
type LiveStatus string

const (
	LiveQueued  LiveStatus = "QUEUED"
	LiveRunning LiveStatus = "RUNNING"
	LiveDone    LiveStatus = "DONE"
	LiveFailed  LiveStatus = "FAILED"
	LiveUnknown LiveStatus = "UNKNOWN"
)

// Evidence is what the filesystem says about a job's output.
type Evidence struct {
	Exists bool   `json:"exists"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
