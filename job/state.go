package job

import (
	"fmt"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
)

// CancelledMessage is the error recorded on a job that ended through
// cancellation.
const CancelledMessage = "cancelled"

// LeaseExpiredMessage is the error recorded on a job whose final lease
// expired with no attempts left.
const LeaseExpiredMessage = "lease expired"

var transitions = map[Status][]Status{
	StatusQueued:     {StatusRunning, StatusFailed},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusCancelling, StatusQueued},
	StatusCancelling: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves j to status to, stamping lifecycle timestamps.
//
// StartedAt is set on QUEUED→RUNNING, CompletedAt on entry to a terminal
// state. A RUNNING→QUEUED retry clears the lease and StartedAt so the next
// lease stamps it again.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", reckon.ErrInvalidState, j.Status, to)
	}
	from := j.Status
	j.Status = to
	j.UpdatedAt = now

	switch {
	case from == StatusQueued && to == StatusRunning:
		t := now
		j.StartedAt = &t
	case to == StatusQueued:
		j.StartedAt = nil
		j.LeaseExpiresAt = nil
		j.WorkerID = id.Nil
	case to.Terminal():
		t := now
		j.CompletedAt = &t
		j.LeaseExpiresAt = nil
	}
	return nil
}

// Complete records output and moves j to COMPLETED.
func (j *Job) Complete(output []byte, now time.Time) error {
	if err := j.Transition(StatusCompleted, now); err != nil {
		return err
	}
	j.Output = cloneRaw(output)
	j.Error = ""
	return nil
}

// Fail records msg and moves j to FAILED. An empty msg is replaced so a
// failed job always carries a readable error.
func (j *Job) Fail(msg string, now time.Time) error {
	if err := j.Transition(StatusFailed, now); err != nil {
		return err
	}
	if msg == "" {
		msg = "unknown error"
	}
	j.Error = msg
	j.Output = nil
	return nil
}

// SetProgress records a new progress percentage. Updates are accepted only
// while a worker holds the job and only when p does not go backwards.
func (j *Job) SetProgress(p int) error {
	if !j.Status.Active() {
		return fmt.Errorf("%w: job is %s", reckon.ErrInvalidProgress, j.Status)
	}
	if p < 0 || p > 100 {
		return fmt.Errorf("%w: %d out of range", reckon.ErrInvalidProgress, p)
	}
	if p < j.Progress {
		return fmt.Errorf("%w: %d < current %d", reckon.ErrInvalidProgress, p, j.Progress)
	}
	j.Progress = p
	return nil
}

// AppendLog adds a timestamped line to the job's log.
func (j *Job) AppendLog(now time.Time, msg string) {
	j.Logs = append(j.Logs, LogEntry{At: now, Message: msg})
	j.UpdatedAt = now
}

// TakeoverMessage is the log entry a store appends when it re-leases a job
// whose previous lease expired.
func TakeoverMessage(workerID id.WorkerID) string {
	return "lease expired; re-leased by " + workerID.String()
}
