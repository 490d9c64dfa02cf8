package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/queue"
)

// CLIReviewer runs an external review command inside the task's workspace.
// Exit 0 approves the work; a non-zero exit rejects it with the command's
// output as the reason.
type CLIReviewer struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Review executes the review command against the workspace.
func (r *CLIReviewer) Review(ctx context.Context, task *queue.Task, workspacePath string) (Review, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = workspacePath
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return Review{Verdict: VerdictApproved}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		reason := strings.TrimSpace(output.String())
		if reason == "" {
			reason = fmt.Sprintf("reviewer exited with code %d", exitErr.ExitCode())
		}
		return Review{Verdict: VerdictRejected, Reason: reason}, nil
	}

	// The reviewer itself broke (not a rejection): surface it so the
	// breaker can count it.
	return Review{}, fmt.Errorf("reviewer failed to run: %w", err)
}

// BreakerGate wraps a Gate in a circuit breaker. When the reviewer keeps
// failing, the circuit opens and reviews are skipped for a cooldown period
// instead of stalling every merge behind a broken dependency.
type BreakerGate struct {
	gate    Gate
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerGate wraps gate with a circuit breaker that trips after 5
// consecutive reviewer failures and stays open for 30 seconds.
func NewBreakerGate(gate Gate) *BreakerGate {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reviewer",
		MaxRequests: 3, // Test requests allowed in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a reviewer failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return &BreakerGate{gate: gate, breaker: cb}
}

// Review consults the wrapped gate through the breaker. An open circuit
// yields a skipped verdict rather than an error, so merges proceed while
// the reviewer recovers.
func (g *BreakerGate) Review(ctx context.Context, task *queue.Task, workspacePath string) (Review, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.gate.Review(ctx, task, workspacePath)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Review{Verdict: VerdictSkipped, Reason: "reviewer circuit open"}, nil
		}
		return Review{}, err
	}
	return result.(Review), nil
}
