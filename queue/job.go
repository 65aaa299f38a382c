// Package queue implements a three-tier priority job queue backed by a
// write-ahead log. Every mutation is appended and fsynced before memory is
// touched, so the queue survives process crashes and replays on startup.
package queue

import "time"

// Priority orders jobs within the queue
type Priority string

const (
	// PriorityCritical preempts everything below it. Edits of existing
	// images (inpaint, upscale, outpaint) run at this tier.
	PriorityCritical Priority = "critical"
	// PriorityHigh is the normal tier for fresh generations
	PriorityHigh Priority = "high"
	// PriorityLow is for long-running background work such as animations
	PriorityLow Priority = "low"
)

// IsValidPriority reports whether s names a known priority tier
func IsValidPriority(s string) bool {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityLow:
		return true
	default:
		return false
	}
}

// Job is a queue entry. Params carries whatever the dispatcher needs to run
// the job; the queue itself only cares about ID and Priority.
type Job struct {
	ID             string         `json:"id"`
	Priority       Priority       `json:"priority"`
	Params         map[string]any `json:"params,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	PreemptedState map[string]any `json:"preempted_state,omitempty"`
}

// Status is a point-in-time snapshot of queue occupancy
type Status struct {
	Running         int         `json:"running"`
	Pending         int         `json:"pending"`
	Total           int         `json:"total"`
	CriticalPending int         `json:"critical_pending"`
	HighPending     int         `json:"high_pending"`
	LowPending      int         `json:"low_pending"`
	Preempted       int         `json:"preempted"`
	CurrentJob      *CurrentJob `json:"current_job,omitempty"`
}

// CurrentJob identifies the job occupying the single execution slot
type CurrentJob struct {
	ID       string   `json:"id"`
	Priority Priority `json:"priority"`
}
