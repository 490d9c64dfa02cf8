// Package runner holds the coordinator's external boundaries: the opaque
// agent process that performs a task's work inside a workspace, and the
// optional review gate consulted before a merge.
package runner

import (
	"context"

	"github.com/aristath/conductor/internal/queue"
)

// Runner executes one task's work inside a workspace. The coordinator does
// not understand the work product; it only observes success or failure. A
// runner may be slow and may crash, and must die with its whole process tree
// when the context is cancelled.
type Runner interface {
	Run(ctx context.Context, task *queue.Task, workspacePath string) (output string, err error)
}

// Verdict is a review gate's decision about a finished task.
type Verdict int

const (
	VerdictApproved Verdict = iota
	VerdictRejected
	VerdictSkipped
)

// String returns the human-readable verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictApproved:
		return "approved"
	case VerdictRejected:
		return "rejected"
	case VerdictSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Review is the outcome of a gate check.
type Review struct {
	Verdict Verdict
	Reason  string // Populated for rejected and skipped
}

// Gate reviews a finished task before its branch is merged. A rejection is
// routed like a merge conflict, not a retryable failure: the work itself may
// be fine, it is just unapproved.
type Gate interface {
	Review(ctx context.Context, task *queue.Task, workspacePath string) (Review, error)
}
