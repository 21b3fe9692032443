package tracker

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one engine job. It only moves forward.
type Status int

const (
	Submitted Status = iota
	Polling
	Completed
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == TimedOut
}

func (s Status) canMoveTo(next Status) bool {
	switch s {
	case Submitted:
		return next == Polling
	case Polling:
		return next.Terminal()
	default:
		return false
	}
}

// Handle identifies a submitted engine job.
type Handle struct {
	PromptID    string
	SubmittedAt time.Time
}

// Job is the tracking state for one handle. A Job belongs to a single pipeline
// run and is not shared between goroutines.
type Job struct {
	handle  Handle
	status  Status
	history []Status
}

func newJob(h Handle) *Job {
	return &Job{handle: h, status: Submitted, history: []Status{Submitted}}
}

// Handle returns the engine handle.
func (j *Job) Handle() Handle { return j.handle }

// Status returns the current state.
func (j *Job) Status() Status { return j.status }

// History returns every state the job has been in, oldest first.
func (j *Job) History() []Status { return append([]Status(nil), j.history...) }

func (j *Job) advance(next Status) error {
	if !j.status.canMoveTo(next) {
		return fmt.Errorf("tracker: invalid transition %s -> %s for %s", j.status, next, j.handle.PromptID)
	}
	j.status = next
	j.history = append(j.history, next)
	return nil
}
