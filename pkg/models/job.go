// Package models contains shared data models used across the glmharness codebase.
package models

// JobKind identifies which remote operation a job performs.
type JobKind string

const (
	JobKindImport JobKind = "import"
	JobKindParse  JobKind = "parse"
	JobKindFit    JobKind = "glm"
	JobKindScore  JobKind = "glm_score"
)

// JobKinds lists every kind the harness knows how to submit.
var JobKinds = []JobKind{JobKindImport, JobKindParse, JobKindFit, JobKindScore}

// Valid reports whether k is one of the known job kinds.
func (k JobKind) Valid() bool {
	for _, known := range JobKinds {
		if k == known {
			return true
		}
	}
	return false
}

// JobHandle is the opaque identifier the remote service returns on submission.
type JobHandle string

// Payload is a decoded JSON object: a job request body or a job result.
// Its schema depends on the job kind.
type Payload map[string]any

const (
	JobStateRunning   = "running"
	JobStateSucceeded = "succeeded"
	JobStateFailed    = "failed"
)

// JobStatus is one observation of a remote job. Running carries a progress
// hint in [0,1], Succeeded carries Result, Failed carries Error.
type JobStatus struct {
	Handle   JobHandle `json:"handle"`
	Kind     JobKind   `json:"kind"`
	State    string    `json:"status"`
	Progress float64   `json:"progress,omitempty"`
	Result   Payload   `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// IsTerminal reports whether the job has finished, successfully or not.
func (s JobStatus) IsTerminal() bool {
	return s.State == JobStateSucceeded || s.State == JobStateFailed
}

// Running builds a non-terminal status.
func Running(progress float64) JobStatus {
	return JobStatus{State: JobStateRunning, Progress: progress}
}

// Succeeded builds a successful terminal status.
func Succeeded(result Payload) JobStatus {
	return JobStatus{State: JobStateSucceeded, Progress: 1, Result: result}
}

// Failed builds a failed terminal status.
func Failed(detail string) JobStatus {
	return JobStatus{State: JobStateFailed, Error: detail}
}
