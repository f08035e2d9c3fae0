// Package proactive runs the daily time-of-day jobs (briefs, digests,
// backups). Each job fires once per local day at its target minute, either in
// cheap collector mode or by invoking its heavy executor.
package proactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/events"
	"github.com/frankfrisby/backbone/internal/journal"
)

// Executor performs the full (expensive) version of a daily job and returns
// a summary for the journal. Implementations typically call out to an LLM or
// a messaging channel.
type Executor interface {
	Execute(ctx context.Context, jobID string) (map[string]interface{}, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, jobID string) (map[string]interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return f(ctx, jobID)
}

// Collector produces the cheap summary recorded when the scheduler runs in
// collector mode. Nil is fine; the run is then recorded without a summary.
type Collector func(ctx context.Context, jobID string) map[string]interface{}

// JobDefinition describes one daily job.
type JobDefinition struct {
	ID           string
	Type         string
	Domain       string
	TargetMinute int // minutes after local midnight, 0..1439
	Executor     Executor
	Collect      Collector
}

// Result is what one fire produced.
type Result struct {
	Success       bool                   `json:"success"`
	CollectorOnly bool                   `json:"collectorOnly"`
	Summary       map[string]interface{} `json:"summary,omitempty"`
	Error         string                 `json:"error,omitempty"`
	FiredAt       time.Time              `json:"firedAt"`
}

// jobRecord is the mutable per-job state, created once at Start.
type jobRecord struct {
	def        JobDefinition
	firedToday bool
	lastResult *Result
}

// JobStatus is the externally visible snapshot of one job's state.
type JobStatus struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Domain       string  `json:"domain"`
	TargetMinute int     `json:"targetMinute"`
	FiredToday   bool    `json:"firedToday"`
	LastResult   *Result `json:"lastResult,omitempty"`
}

// Options configures a Scheduler.
type Options struct {
	Journal       *journal.Journal
	Bus           *events.Bus
	Jobs          []JobDefinition
	CollectorMode bool
	Now           func() time.Time
	Log           zerolog.Logger
}

// Scheduler owns the daily job table. A cron minute tick fires jobs whose
// target minute has passed and which have not fired today; a midnight entry
// resets the firedToday flags.
type Scheduler struct {
	journalStore  *journal.Journal
	bus           *events.Bus
	collectorMode bool
	now           func() time.Time
	log           zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*jobRecord
	defs []JobDefinition // registration order, for Jobs()

	dailyMessageCount int

	cron    *cron.Cron
	started bool
}

// New builds a Scheduler from opts. Jobs with duplicate ids are rejected.
func New(opts Options) (*Scheduler, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		journalStore:  opts.Journal,
		bus:           opts.Bus,
		collectorMode: opts.CollectorMode,
		now:           now,
		log:           opts.Log.With().Str("component", "proactive").Logger(),
		jobs:          make(map[string]*jobRecord, len(opts.Jobs)),
	}
	for _, def := range opts.Jobs {
		if def.ID == "" {
			return nil, fmt.Errorf("proactive job without id")
		}
		if def.TargetMinute < 0 || def.TargetMinute > 1439 {
			return nil, fmt.Errorf("proactive job %s: target minute %d out of range", def.ID, def.TargetMinute)
		}
		if _, exists := s.jobs[def.ID]; exists {
			return nil, fmt.Errorf("duplicate proactive job id %s", def.ID)
		}
		s.jobs[def.ID] = &jobRecord{def: def}
		s.defs = append(s.defs, def)
	}
	return s, nil
}

// Start registers the cron entries and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("* * * * *", s.minuteTick); err != nil {
		return fmt.Errorf("registering minute tick: %w", err)
	}
	if _, err := s.cron.AddFunc("0 0 * * *", s.midnightReset); err != nil {
		return fmt.Errorf("registering midnight reset: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.log.Info().Int("jobs", len(s.jobs)).Bool("collector_mode", s.collectorMode).Msg("Proactive scheduler started")
	return nil
}

// Stop halts the cron runner and waits for in-flight entries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.mu.Unlock()

	ctx := c.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Proactive scheduler stopped")
}

// minuteTick fires every job whose target minute has passed today and which
// has not fired yet.
func (s *Scheduler) minuteTick() {
	now := s.now()
	minuteOfDay := now.Hour()*60 + now.Minute()

	s.mu.Lock()
	var due []*jobRecord
	for _, rec := range s.jobs {
		if !rec.firedToday && minuteOfDay >= rec.def.TargetMinute {
			// Claim now so an overlapping tick cannot double-fire.
			rec.firedToday = true
			due = append(due, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range due {
		s.fire(context.Background(), rec, false)
	}
}

// midnightReset clears the firedToday flags so the table fires again.
func (s *Scheduler) midnightReset() {
	s.mu.Lock()
	for _, rec := range s.jobs {
		rec.firedToday = false
	}
	s.dailyMessageCount = 0
	s.mu.Unlock()
	s.log.Debug().Msg("Daily fired flags reset")
}

// TriggerJob fires a job by id immediately. force bypasses collector mode:
// the heavy executor always runs and dailyMessageCount is incremented. With
// force false the job runs exactly as a scheduled fire would.
func (s *Scheduler) TriggerJob(ctx context.Context, id string, force bool) (*Result, error) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown proactive job %q", id)
	}
	return s.fire(ctx, rec, force), nil
}

// fire executes one job in collector or full mode, records the result in the
// journal and emits job-fired. Marks firedToday in both modes.
func (s *Scheduler) fire(ctx context.Context, rec *jobRecord, force bool) *Result {
	s.mu.Lock()
	collectorOnly := s.collectorMode && !force
	s.mu.Unlock()

	result := &Result{FiredAt: s.now()}
	if collectorOnly {
		result.Success = true
		result.CollectorOnly = true
		if rec.def.Collect != nil {
			result.Summary = rec.def.Collect(ctx, rec.def.ID)
		}
	} else {
		summary, err := rec.def.Executor.Execute(ctx, rec.def.ID)
		result.Summary = summary
		if err != nil {
			result.Error = err.Error()
			s.log.Error().Err(err).Str("job_id", rec.def.ID).Msg("Proactive executor failed")
		} else {
			result.Success = true
		}
	}

	s.mu.Lock()
	rec.firedToday = true
	rec.lastResult = result
	if !collectorOnly {
		s.dailyMessageCount++
	}
	count := s.dailyMessageCount
	s.mu.Unlock()

	s.journalStore.Emit(rec.def.Domain, journal.EventTypeProactiveJob, map[string]interface{}{
		"jobId":         rec.def.ID,
		"type":          rec.def.Type,
		"collectorOnly": result.CollectorOnly,
		"success":       result.Success,
		"summary":       result.Summary,
	}, nil)

	s.bus.Emit(events.JobFired, "proactive", map[string]interface{}{
		"job_id":         rec.def.ID,
		"type":           rec.def.Type,
		"collector_only": result.CollectorOnly,
		"success":        result.Success,
	})

	s.log.Info().
		Str("job_id", rec.def.ID).
		Bool("collector_only", result.CollectorOnly).
		Bool("success", result.Success).
		Int("daily_message_count", count).
		Msg("Proactive job fired")
	return result
}

// DailyMessageCount returns the outbound-message counter for today.
func (s *Scheduler) DailyMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyMessageCount
}

// Jobs returns a snapshot of the job table in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.defs))
	for _, def := range s.defs {
		rec := s.jobs[def.ID]
		out = append(out, JobStatus{
			ID:           def.ID,
			Type:         def.Type,
			Domain:       def.Domain,
			TargetMinute: def.TargetMinute,
			FiredToday:   rec.firedToday,
			LastResult:   rec.lastResult,
		})
	}
	return out
}

// SetCollectorMode flips the global collector flag at runtime.
func (s *Scheduler) SetCollectorMode(on bool) {
	s.mu.Lock()
	s.collectorMode = on
	s.mu.Unlock()
}

// ResetForTests clears fired flags, results and the message counter.
func (s *Scheduler) ResetForTests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.jobs {
		rec.firedToday = false
		rec.lastResult = nil
	}
	s.dailyMessageCount = 0
}
