package dispatch

import "time"

// Status classifies the result of one dispatch attempt.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	// StatusError covers failures outside the command's own exit status:
	// command not found, start failure, wait failure.
	StatusError Status = "error"
)

// Outcome is the terminal record of one dispatch attempt. It is produced
// exactly once per attempt and only logged and recorded, never retried.
type Outcome struct {
	ID          string    `json:"id"`
	Target      string    `json:"target"`
	Path        string    `json:"path"`
	Status      Status    `json:"status"`
	ExitCode    int       `json:"exit_code"`
	Stderr      string    `json:"stderr,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns the wall-clock time the attempt took.
func (o Outcome) Duration() time.Duration {
	return o.CompletedAt.Sub(o.StartedAt)
}
