package pollster

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobHandle is the opaque identifier the backend issues for a job.
type JobHandle string

func (h JobHandle) String() string { return string(h) }

// JobStatus is the status reported by the backend for a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // The backend is still working on the job.
	StatusCompleted JobStatus = "completed" // The job finished successfully.
	StatusError     JobStatus = "error"     // The backend gave up on the job.
)

// Valid reports whether s is one of the statuses the backend may return.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further polling can change the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// StatusResult is one answer to a status request.
type StatusResult struct {
	Result  JobStatus `json:"result"`
	Message string    `json:"message,omitempty"`
}

// JobState is the client-side lifecycle state of a job.
type JobState int

const (
	Created   JobState = iota // CreateJob returned a handle.
	Polling                   // A WaitForResult call is polling the backend.
	Completed                 // The backend reported completed.
	Errored                   // The backend reported error.
	TimedOut                  // The wait deadline passed while the job was pending.
	Aborted                   // Status requests kept failing; the outcome is unknown.
	Cancelled                 // The caller cancelled the wait.
)

var jobStateNames = [...]string{"created", "polling", "completed", "errored", "timed_out", "aborted", "cancelled"}

func (s JobState) String() string {
	if s < 0 || int(s) >= len(jobStateNames) {
		return fmt.Sprintf("JobState(%d)", int(s))
	}
	return jobStateNames[s]
}

// Final reports whether the job itself reached an end state. TimedOut, Aborted
// and Cancelled only end one wait attempt; a later wait may poll again.
func (s JobState) Final() bool {
	return s == Completed || s == Errored
}

func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *JobState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range jobStateNames {
		if n == name {
			*s = JobState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", name)
}

// JobRecord is what the client remembers about a job it submitted.
type JobRecord struct {
	Handle JobHandle `json:"handle"`
	Config JobConfig `json:"config"`

	State      JobState  `json:"state"`
	LastStatus JobStatus `json:"last_status,omitempty"`
	Message    string    `json:"message,omitempty"` // backend message for errored jobs

	// Poll attempts that observed pending, and failed status requests, in the
	// most recent wait.
	Attempts int `json:"attempts"`
	Retries  int `json:"retries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
