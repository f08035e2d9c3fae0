package dispatch

import (
	"context"

	"github.com/frankfrisby/backbone/internal/budget"
)

// execContext implements ExecContext for one Run invocation.
type execContext struct {
	context.Context
	cancel      context.CancelFunc
	dispatcher  *Dispatcher
	job         Job
	resumeToken []byte
}

func newExecContext(d *Dispatcher, qj *queuedJob) *execContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &execContext{
		Context:     ctx,
		cancel:      cancel,
		dispatcher:  d,
		job:         qj.job,
		resumeToken: qj.resumeToken,
	}
}

// Checkpoint reports whether the job should yield: true exactly when a hold
// window is active and the job is preemptible. User-class jobs never yield.
func (c *execContext) Checkpoint(label string) bool {
	if !c.job.Preemptible || c.job.Class == budget.ClassUser {
		return false
	}

	d := c.dispatcher
	d.mu.Lock()
	active := d.holdActiveLocked()
	d.mu.Unlock()

	if active {
		d.log.Debug().
			Str("job_id", c.job.ID).
			Str("checkpoint", label).
			Msg("Checkpoint requested yield")
	}
	return active
}

// ResumeToken returns the token saved by the previous yielded run, nil on a
// fresh run.
func (c *execContext) ResumeToken() []byte {
	return c.resumeToken
}

// release frees the context's resources after Run returns.
func (c *execContext) release() {
	c.cancel()
}
