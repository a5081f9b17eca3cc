package types

import "time"

// JobStatus is the lifecycle state of an asynchronous generation job.
type JobStatus string

const (
	JobInQueue    JobStatus = "IN_QUEUE"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the persisted record of an asynchronous generation.
type Job struct {
	ID          string            `json:"id"`
	Status      JobStatus         `json:"status"`
	KeyID       string            `json:"key_id,omitempty"`
	Input       map[string]any    `json:"input,omitempty"`
	Output      *GenerationResult `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// JobView is the public projection of a Job. Output is either a
// GenerationResult or an ErrorResponse.
type JobView struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Output any       `json:"output,omitempty"`
}

// View projects the job for API responses.
func (j *Job) View() JobView {
	v := JobView{ID: j.ID, Status: j.Status}
	switch {
	case j.Output != nil:
		v.Output = j.Output
	case j.Error != "":
		v.Output = ErrorResponse{Error: j.Error}
	}
	return v
}
