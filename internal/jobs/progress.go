package jobs

import "time"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusProcessing          Status = "PROCESSING"
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
)

// IsTerminal reports whether no further work happens for a job in s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	default:
		return false
	}
}

// JobProgress is the persisted state of one chunked job. It is mutated only
// by the consumer that owns the job.
type JobProgress struct {
	JobID        string    `json:"job_id"`
	Status       Status    `json:"status"`
	SuccessCount int       `json:"success_count"`
	TotalCount   int       `json:"total_count"`
	CreatedItems []string  `json:"created_items"`
	Errors       []string  `json:"errors"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewJobProgress starts a job in PROCESSING.
func NewJobProgress(jobID string, total int) *JobProgress {
	return &JobProgress{
		JobID:        jobID,
		Status:       StatusProcessing,
		TotalCount:   total,
		CreatedItems: make([]string, 0, total),
		Errors:       []string{},
		UpdatedAt:    time.Now().UTC(),
	}
}

// Snapshot returns a deep copy, so a stored value never aliases the live one.
func (p *JobProgress) Snapshot() *JobProgress {
	if p == nil {
		return nil
	}
	cp := *p
	cp.CreatedItems = append([]string(nil), p.CreatedItems...)
	cp.Errors = append([]string(nil), p.Errors...)
	return &cp
}
