package queue

import "time"

// Status represents the lifecycle state of a task.
type Status int

const (
	StatusPending    Status = iota // Claimable once dependencies pass
	StatusInProgress               // Claimed by a worker under a live lease
	StatusPassing                  // Finished and merged (terminal)
	StatusBlocked                  // Retries exhausted, needs manual reset
	StatusConflict                 // Work done but un-mergeable, needs manual reset
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusPassing:
		return "passing"
	case StatusBlocked:
		return "blocked"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Task is a unit of schedulable work.
type Task struct {
	ID        string   // Unique, immutable identifier
	Title     string   // Human-readable name
	Prompt    string   // Instruction handed to the agent runner
	Priority  int      // Lower claims first
	DependsOn []string // Task IDs that must be passing before this one is ready
	Status    Status
	Attempts  int    // Monotonic; never decremented
	LastError string // Free text from the most recent failure
	Branch    string // Task branch name; set on first claim

	ClaimedBy    string    // Worker ID holding the lease, empty if unclaimed
	LeaseExpires time.Time // Zero if unclaimed
}

// BlockedTask annotates a task with the dependency IDs holding it back.
type BlockedTask struct {
	Task       *Task
	WaitingFor []string // Dependency IDs not yet passing
}

// Stats holds task counts by status.
type Stats struct {
	Pending    int
	InProgress int
	Passing    int
	Blocked    int
	Conflict   int
}

// Total returns the total number of tasks.
func (s Stats) Total() int {
	return s.Pending + s.InProgress + s.Passing + s.Blocked + s.Conflict
}

// Complete reports whether the backlog is permanently exhausted: nothing is
// claimable or running. Blocked and conflicted tasks require manual action
// and do not hold up completion.
func (s Stats) Complete() bool {
	return s.Pending == 0 && s.InProgress == 0
}

// AttemptRecord is one row of the append-only attempt log, covering a single
// claim-to-resolution cycle. Used for diagnostics only; the scheduler never
// reads it.
type AttemptRecord struct {
	TaskID    string
	WorkerID  string
	StartedAt time.Time
	EndedAt   time.Time // Zero while the attempt is still open
	Outcome   string    // "passing", "failed", "conflict", "released", "reclaimed"
	Error     string
}
