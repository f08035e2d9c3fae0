package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/budget"
	"github.com/frankfrisby/backbone/internal/events"
	"github.com/frankfrisby/backbone/internal/journal"
)

// DefaultUserHold is the hold window opened by user activity when the caller
// does not specify one.
const DefaultUserHold = 10 * time.Second

// DefaultSweepInterval is how often the run loop re-checks admission even
// without a trigger, so budget-denied background work is retried after a
// window rolls.
const DefaultSweepInterval = 30 * time.Second

// Options configures a Dispatcher. Budget and Bus are required; Journal is
// optional and used for observability only, never control.
type Options struct {
	Journal       *journal.Journal
	Budget        *budget.Guard
	Bus           *events.Bus
	UserHoldMs    int
	SweepInterval time.Duration
	Log           zerolog.Logger
}

// queuedJob is a job waiting in a lane, carrying resume state across yields.
type queuedJob struct {
	job         Job
	resumeToken []byte
	resumes     int
	enqueuedAt  time.Time
}

// Dispatcher owns the two lanes and the single coordinating run loop. Lane
// and queue decisions happen only on that loop; each admitted job executes on
// its own goroutine, one at a time.
type Dispatcher struct {
	journal  *journal.Journal
	budget   *budget.Guard
	bus      *events.Bus
	userHold time.Duration
	sweep    time.Duration
	log      zerolog.Logger

	userLane  []*queuedJob
	bgLane    []*queuedJob
	dedupe    map[string]bool
	inFlight  *queuedJob
	holdUntil time.Time
	completed int64
	yields    int64
	mu        sync.Mutex

	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	userHold := DefaultUserHold
	if opts.UserHoldMs > 0 {
		userHold = time.Duration(opts.UserHoldMs) * time.Millisecond
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}

	return &Dispatcher{
		journal:  opts.Journal,
		budget:   opts.Budget,
		bus:      opts.Bus,
		userHold: userHold,
		sweep:    sweep,
		log:      opts.Log.With().Str("component", "dispatch").Logger(),
		userLane: make([]*queuedJob, 0),
		bgLane:   make([]*queuedJob, 0),
		dedupe:   make(map[string]bool),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run starts the dispatcher loop. This blocks until Stop() is called.
func (d *Dispatcher) Run() {
	defer close(d.stopped)

	sweep := time.NewTicker(d.sweep)
	defer sweep.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-d.trigger:
			d.processNext()
		case <-d.done:
			d.processNext()
		case <-sweep.C:
			d.processNext()
		}
	}
}

// Stop stops the dispatcher loop. A job already executing finishes on its own
// goroutine; there is no hard cancellation.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.stopped
}

// Trigger wakes the run loop to check for startable work. Non-blocking.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Submit enqueues a job. Returns false when a job with the same DedupeKey is
// already queued or running; the two submissions collapse into one execution.
// Submitting user-class work opens a hold window.
func (d *Dispatcher) Submit(job Job) bool {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Runner == nil {
		d.log.Error().Str("job_id", job.ID).Str("kind", job.Kind).Msg("Rejected job without runner")
		return false
	}
	if job.Class == "" {
		job.Class = budget.ClassBackground
	}

	d.mu.Lock()
	if job.DedupeKey != "" && d.dedupe[job.DedupeKey] {
		d.mu.Unlock()
		d.log.Debug().
			Str("job_id", job.ID).
			Str("dedupe_key", job.DedupeKey).
			Msg("Collapsed duplicate submission")
		return false
	}
	if job.DedupeKey != "" {
		d.dedupe[job.DedupeKey] = true
	}

	qj := &queuedJob{job: job, enqueuedAt: time.Now()}
	if job.Class == budget.ClassUser {
		d.userLane = append(d.userLane, qj)
		d.extendHoldLocked(d.userHold)
	} else {
		d.bgLane = append(d.bgLane, qj)
	}
	d.mu.Unlock()

	d.log.Info().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Str("domain", job.Domain).
		Str("class", string(job.Class)).
		Msg("Job enqueued")

	d.Trigger()
	return true
}

// NoteUserActivity opens (or extends) a hold window during which no new
// background job may start. holdMs <= 0 uses the configured default.
func (d *Dispatcher) NoteUserActivity(source string, holdMs int) {
	hold := d.userHold
	if holdMs > 0 {
		hold = time.Duration(holdMs) * time.Millisecond
	}

	d.mu.Lock()
	d.extendHoldLocked(hold)
	until := d.holdUntil
	d.mu.Unlock()

	d.bus.Emit(events.UserActivity, "dispatch", map[string]interface{}{
		"source":     source,
		"hold_until": until,
	})
}

// GetStats returns a snapshot of dispatcher state.
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	running := 0
	if d.inFlight != nil {
		running = 1
	}

	return Stats{
		QueuedUser:       len(d.userLane),
		QueuedBackground: len(d.bgLane),
		Running:          running,
		HoldActive:       d.holdActiveLocked(),
		HoldUntil:        d.holdUntil,
		Completed:        d.completed,
		Yields:           d.yields,
	}
}

// ResetForTests clears lanes, dedupe keys, the hold window and counters.
// Testing affordance only; callers must ensure no job is in flight.
func (d *Dispatcher) ResetForTests() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.userLane = d.userLane[:0]
	d.bgLane = d.bgLane[:0]
	d.dedupe = make(map[string]bool)
	d.holdUntil = time.Time{}
	d.completed = 0
	d.yields = 0
}

// extendHoldLocked pushes the hold window out, never shrinking it.
// Caller holds mu.
func (d *Dispatcher) extendHoldLocked(hold time.Duration) {
	until := time.Now().Add(hold)
	if until.After(d.holdUntil) {
		d.holdUntil = until
	}
}

// holdActiveLocked reports whether user work is pending, in flight, or the
// hold window has not expired. Caller holds mu.
func (d *Dispatcher) holdActiveLocked() bool {
	if len(d.userLane) > 0 {
		return true
	}
	if d.inFlight != nil && d.inFlight.job.Class == budget.ClassUser {
		return true
	}
	return time.Now().Before(d.holdUntil)
}

// processNext starts the next eligible job, if any. Runs on the dispatcher
// loop only, so lane decisions are single-threaded.
func (d *Dispatcher) processNext() {
	d.mu.Lock()
	if d.inFlight != nil {
		d.mu.Unlock()
		return
	}

	qj := d.selectNextLocked()
	if qj == nil {
		d.mu.Unlock()
		return
	}

	d.inFlight = qj
	d.mu.Unlock()

	d.bus.Emit(events.JobStarted, "dispatch", d.jobEventData(qj, nil))
	d.log.Debug().
		Str("job_id", qj.job.ID).
		Str("kind", qj.job.Kind).
		Int("resumes", qj.resumes).
		Msg("Job started")

	go d.execute(qj)
}

// selectNextLocked picks the oldest user job, or the first admissible
// background job when no user work is pending and no hold window is active.
// Caller holds mu; the reservation for the returned job is already taken.
func (d *Dispatcher) selectNextLocked() *queuedJob {
	if len(d.userLane) > 0 {
		qj := d.userLane[0]
		d.userLane = d.userLane[1:]
		// User reservations always succeed; taken for the usage bookkeeping.
		d.budget.Reserve(qj.job.ID, qj.job.Class, qj.job.EstimatedTokens)
		return qj
	}

	if d.holdActiveLocked() {
		// Wake up again when the hold window expires so queued background
		// work is not stranded.
		if len(d.bgLane) > 0 {
			if remaining := time.Until(d.holdUntil); remaining > 0 {
				time.AfterFunc(remaining+time.Millisecond, d.Trigger)
			}
		}
		return nil
	}

	for i, qj := range d.bgLane {
		decision := d.budget.CanLaunch(qj.job.Class, qj.job.EstimatedTokens)
		if !decision.Allowed {
			d.log.Debug().
				Str("job_id", qj.job.ID).
				Str("reason", decision.Reason).
				Msg("Background job held back by budget")
			continue
		}
		if !d.budget.Reserve(qj.job.ID, qj.job.Class, qj.job.EstimatedTokens) {
			continue
		}

		d.bgLane = append(d.bgLane[:i], d.bgLane[i+1:]...)
		return qj
	}
	return nil
}

// execute runs one job on its own goroutine and routes the outcome.
func (d *Dispatcher) execute(qj *queuedJob) {
	defer func() {
		d.mu.Lock()
		d.inFlight = nil
		d.mu.Unlock()

		select {
		case d.done <- struct{}{}:
		default:
		}
	}()

	outcome, err := d.runSafely(qj)

	if err != nil {
		outcome = Outcome{
			Success:    false,
			TokensUsed: outcome.TokensUsed,
			Error:      err.Error(),
		}
	}

	if outcome.Yielded && err == nil {
		d.handleYield(qj, outcome)
		return
	}
	d.handleTerminal(qj, outcome)
}

// runSafely invokes the job's Runner, converting a panic into an error so a
// misbehaving job can never crash the dispatcher.
func (d *Dispatcher) runSafely(qj *queuedJob) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	ctx := newExecContext(d, qj)
	defer ctx.release()

	return qj.job.Runner.Run(ctx)
}

// handleYield requeues a suspended job at the front of the background lane so
// it resumes before newer background work. Partial usage is booked now; the
// resumed run is re-admitted like any background job. The dedupe key stays
// held across the suspension.
func (d *Dispatcher) handleYield(qj *queuedJob, outcome Outcome) {
	d.budget.RecordUsage(qj.job.ID, outcome.TokensUsed)

	d.mu.Lock()
	qj.resumeToken = outcome.ResumeToken
	qj.resumes++
	d.bgLane = append([]*queuedJob{qj}, d.bgLane...)
	d.yields++
	d.mu.Unlock()

	d.bus.Emit(events.JobYielded, "dispatch", d.jobEventData(qj, &outcome))
	d.log.Info().
		Str("job_id", qj.job.ID).
		Str("kind", qj.job.Kind).
		Int64("tokens_used", outcome.TokensUsed).
		Msg("Job yielded to user work")
}

// handleTerminal books usage, releases the dedupe key and emits exactly one
// job-completed event for the terminal outcome.
func (d *Dispatcher) handleTerminal(qj *queuedJob, outcome Outcome) {
	d.budget.RecordUsage(qj.job.ID, outcome.TokensUsed)

	d.mu.Lock()
	if qj.job.DedupeKey != "" {
		delete(d.dedupe, qj.job.DedupeKey)
	}
	d.completed++
	d.mu.Unlock()

	d.bus.Emit(events.JobCompleted, "dispatch", d.jobEventData(qj, &outcome))
	if !outcome.Success {
		d.bus.Emit(events.ErrorOccurred, "dispatch", map[string]interface{}{
			"job_id": qj.job.ID,
			"kind":   qj.job.Kind,
			"error":  outcome.Error,
		})
	}

	if d.journal != nil {
		// Observability only: completions are journaled under a dedicated
		// domain so gating modules can audit recent dispatcher activity.
		d.journal.Emit("dispatch", journal.EventTypeJobCompleted, map[string]interface{}{
			"jobId":      qj.job.ID,
			"kind":       qj.job.Kind,
			"domain":     qj.job.Domain,
			"success":    outcome.Success,
			"tokensUsed": outcome.TokensUsed,
		}, nil)
	}

	logEvent := d.log.Info()
	if !outcome.Success {
		logEvent = d.log.Warn()
	}
	logEvent.
		Str("job_id", qj.job.ID).
		Str("kind", qj.job.Kind).
		Bool("success", outcome.Success).
		Int64("tokens_used", outcome.TokensUsed).
		Str("error", outcome.Error).
		Msg("Job completed")
}

// jobEventData builds the event payload for a job, with outcome fields when
// present.
func (d *Dispatcher) jobEventData(qj *queuedJob, outcome *Outcome) map[string]interface{} {
	data := map[string]interface{}{
		"job_id": qj.job.ID,
		"kind":   qj.job.Kind,
		"domain": qj.job.Domain,
		"class":  string(qj.job.Class),
	}
	for k, v := range qj.job.Labels {
		data["label_"+k] = v
	}
	if outcome != nil {
		data["success"] = outcome.Success
		data["yielded"] = outcome.Yielded
		data["tokens_used"] = outcome.TokensUsed
		if outcome.Error != "" {
			data["error"] = outcome.Error
		}
	}
	return data
}
