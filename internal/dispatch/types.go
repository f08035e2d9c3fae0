// Package dispatch provides the priority-aware work dispatcher: a two-lane
// queue with budget-gated admission for background work and cooperative
// preemption with checkpoint/resume for long-running jobs.
//
// Preemption is cooperative only. A running background job yields solely at
// its own Checkpoint calls; a non-cooperative or non-preemptible job holds
// the user lane for its entire runtime. This is a known limitation, accepted
// in exchange for never killing a job mid-write. Callers that need a hard
// kill must layer context cancellation into their Run implementation.
package dispatch

import (
	"context"
	"time"

	"github.com/frankfrisby/backbone/internal/budget"
)

// ExecContext is the execution context handed to a running job. It carries
// deadline/cancellation like a regular context, plus the cooperative-yield
// contract: Checkpoint asks whether the job should stop, and ResumeToken
// returns the opaque state saved by a previous yielded run (nil on a fresh
// run).
type ExecContext interface {
	context.Context

	// Checkpoint reports whether the job should yield now. It returns true
	// exactly when a user hold window is active and the job is preemptible.
	// A well-behaved job stops promptly on true and returns a yielded
	// Outcome reflecting only the work done so far.
	Checkpoint(label string) bool

	// ResumeToken returns the token from the job's previous yielded outcome,
	// or nil if this is a fresh run.
	ResumeToken() []byte
}

// Runner executes a job. A returned error is converted into a failed terminal
// outcome by the dispatcher; it never propagates further.
type Runner interface {
	Run(ctx ExecContext) (Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx ExecContext) (Outcome, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx ExecContext) (Outcome, error) {
	return f(ctx)
}

// Job describes a unit of work submitted to the dispatcher.
type Job struct {
	// ID identifies this job instance. Generated if empty.
	ID string

	// DedupeKey is the idempotency key: submissions sharing a key while one
	// is queued or running collapse into a single execution. Empty disables
	// deduplication.
	DedupeKey string

	// Kind names what the job does (e.g. "deferred-proactive").
	Kind string

	// Domain is the tracked-state category the job belongs to.
	Domain string

	// Class selects the lane: user work always preempts, background work is
	// budget- and hold-window-gated.
	Class budget.Class

	// Preemptible allows Checkpoint to request a yield.
	Preemptible bool

	// EstimatedTokens is the token estimate used for budget admission.
	EstimatedTokens int64

	// Labels carries free-form metadata (e.g. gateReason) into events.
	Labels map[string]string

	// Runner executes the job.
	Runner Runner
}

// Outcome is the result of one Run invocation. Either terminal (Success set,
// Yielded false) or suspended (Yielded true with a ResumeToken).
type Outcome struct {
	Success     bool
	Yielded     bool
	ResumeToken []byte
	TokensUsed  int64
	Error       string
}

// Stats describes dispatcher state for diagnostics.
type Stats struct {
	QueuedUser       int       `json:"queued_user"`
	QueuedBackground int       `json:"queued_background"`
	Running          int       `json:"running"`
	HoldActive       bool      `json:"hold_active"`
	HoldUntil        time.Time `json:"hold_until,omitempty"`
	Completed        int64     `json:"completed"`
	Yields           int64     `json:"yields"`
}
