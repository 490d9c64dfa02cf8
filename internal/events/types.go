package events

import "time"

// Topic names a bus channel. Typed so a subscription and a publish cannot
// disagree over a bare string.
type Topic string

const (
	TopicTask Topic = "task"
	TopicPool Topic = "pool"
)

// Event type constants
const (
	EventTypeTaskClaimed   = "task.claimed"
	EventTypeTaskPassed    = "task.passed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskConflict  = "task.conflict"
	EventTypeTaskReleased  = "task.released"
	EventTypeTaskReclaimed = "task.reclaimed"
	EventTypePoolDone      = "pool.done"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// TaskEvent describes a task lifecycle transition observed by a worker or
// the supervisor.
type TaskEvent struct {
	Type     string
	Task     string
	WorkerID string
	Detail   string // Error text, conflict reason, etc.
	Time     time.Time
}

func (e TaskEvent) EventType() string { return e.Type }
func (e TaskEvent) TaskID() string    { return e.Task }

// PoolEvent describes a pool-level transition (e.g. backlog completion).
type PoolEvent struct {
	Type   string
	Detail string
	Time   time.Time
}

func (e PoolEvent) EventType() string { return e.Type }
func (e PoolEvent) TaskID() string    { return "" }
