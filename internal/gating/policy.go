package gating

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/budget"
	"github.com/frankfrisby/backbone/internal/dispatch"
	"github.com/frankfrisby/backbone/internal/journal"
)

// GateReason labels attached to produced jobs.
const (
	GateReasonMaterial = "material"
	GateReasonStale    = "stale"
)

// EvalContext is what the heartbeat hands the evaluator on each tick: the
// domains whose versions changed since the previous tick, the journal's
// recent events (newest first), and the orchestrator context (the budget
// guard, read-only — admission stays the dispatcher's job).
type EvalContext struct {
	ChangedDomains []string
	RecentEvents   []journal.ChangeEvent
	Budget         *budget.Guard
	Now            time.Time
}

// Result is what an evaluator returns: jobs to submit and diagnostic
// observations.
type Result struct {
	Jobs         []dispatch.Job
	Observations []string
}

// Evaluator is the plug-in seam where domain business logic is injected. The
// orchestrator core never special-cases a domain name.
type Evaluator interface {
	Evaluate(ctx context.Context, ec EvalContext) (Result, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, ec EvalContext) (Result, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, ec EvalContext) (Result, error) {
	return f(ctx, ec)
}

// DomainModule supplies the per-domain thresholds and materiality comparison
// for the deferred-escalation gate.
type DomainModule interface {
	// Domain is the journal domain this module gates.
	Domain() string

	// Cooldown is the minimum time between deferred runs. Requests inside
	// the cooldown are suppressed outright, regardless of materiality.
	Cooldown() time.Duration

	// Staleness is the age past which a run is forced even without a
	// materiality signal.
	Staleness() time.Duration

	// EstimatedTokens is the budget estimate for a deferred run.
	EstimatedTokens() int64

	// Materiality compares the collector summary against the persisted
	// baseline. It returns whether the move is material and the snapshot to
	// persist as the new baseline when a run is produced.
	Materiality(baseline map[string]float64, summary map[string]interface{}) (bool, map[string]float64)
}

// RunnerFactory builds the Runner performing the heavy work a collector-mode
// run skipped.
type RunnerFactory func(jobID, jobType string) dispatch.Runner

// DeferredGateOptions configures a DeferredGate.
type DeferredGateOptions struct {
	State   *StateStore
	Modules []DomainModule
	Runners RunnerFactory
	Log     zerolog.Logger
}

// DeferredGate is the built-in evaluator that escalates collector-only
// proactive runs into deferred full jobs. Pure with respect to the dispatcher
// and budget: it only returns job descriptors.
type DeferredGate struct {
	state   *StateStore
	modules map[string]DomainModule
	runners RunnerFactory
	log     zerolog.Logger
}

// NewDeferredGate creates the gate.
func NewDeferredGate(opts DeferredGateOptions) *DeferredGate {
	modules := make(map[string]DomainModule, len(opts.Modules))
	for _, m := range opts.Modules {
		modules[m.Domain()] = m
	}

	return &DeferredGate{
		state:   opts.State,
		modules: modules,
		runners: opts.Runners,
		log:     opts.Log.With().Str("component", "gating").Logger(),
	}
}

// Evaluate scans recent events for collector-only proactive summaries and
// decides, per (jobId, type), whether to produce a deferred job.
func (g *DeferredGate) Evaluate(ctx context.Context, ec EvalContext) (Result, error) {
	result := Result{}
	seen := make(map[string]bool)

	// RecentEvents is newest first, so the first summary per job id wins.
	for _, event := range ec.RecentEvents {
		if event.EventType != journal.EventTypeProactiveJob {
			continue
		}
		collectorOnly, _ := event.Payload["collectorOnly"].(bool)
		if !collectorOnly {
			continue
		}
		jobID, _ := event.Payload["jobId"].(string)
		jobType, _ := event.Payload["type"].(string)
		if jobID == "" || seen[jobID] {
			continue
		}
		seen[jobID] = true

		job, observation := g.gate(jobID, jobType, event, ec.Now)
		if job != nil {
			result.Jobs = append(result.Jobs, *job)
		}
		if observation != "" {
			result.Observations = append(result.Observations, observation)
		}
	}

	return result, nil
}

// gate applies the cooldown, staleness and materiality signals for one
// collector summary. Returns a job to enqueue or a skip observation.
func (g *DeferredGate) gate(jobID, jobType string, event journal.ChangeEvent, now time.Time) (*dispatch.Job, string) {
	module := g.modules[event.Domain]
	if module == nil {
		return nil, fmt.Sprintf("deferredSkip:%s", jobType)
	}

	summary, _ := event.Payload["summary"].(map[string]interface{})

	rec, hasRun := g.state.LastDeferredRun(jobID)
	if hasRun {
		elapsed := now.Sub(rec.LastRunAt)

		// Cooldown suppresses outright; materiality is never consulted here.
		if elapsed < module.Cooldown() {
			return nil, fmt.Sprintf("deferredSkip:%s", jobType)
		}

		if elapsed < module.Staleness() {
			material, snapshot := module.Materiality(g.state.Baseline(event.Domain), summary)
			if !material {
				return nil, fmt.Sprintf("deferredSkip:%s", jobType)
			}
			return g.produce(jobID, jobType, event.Domain, module, GateReasonMaterial, snapshot, now), ""
		}
		// Past staleness: forced even without materiality.
	}

	_, snapshot := module.Materiality(g.state.Baseline(event.Domain), summary)
	return g.produce(jobID, jobType, event.Domain, module, GateReasonStale, snapshot, now), ""
}

// produce builds the deferred job descriptor and records the escalation.
func (g *DeferredGate) produce(jobID, jobType, domain string, module DomainModule, reason string, snapshot map[string]float64, now time.Time) *dispatch.Job {
	g.state.MarkDeferredRun(jobID, jobType, now)
	g.state.SetBaseline(domain, snapshot)

	g.log.Info().
		Str("job_id", jobID).
		Str("type", jobType).
		Str("gate_reason", reason).
		Msg("Escalating collector run to deferred job")

	return &dispatch.Job{
		ID:              fmt.Sprintf("deferred-%s-%d", jobID, now.UnixNano()),
		DedupeKey:       fmt.Sprintf("deferred-proactive:%s", jobID),
		Kind:            "deferred-proactive",
		Domain:          domain,
		Class:           budget.ClassBackground,
		Preemptible:     true,
		EstimatedTokens: module.EstimatedTokens(),
		Labels:          map[string]string{"gateReason": reason},
		Runner:          g.runners(jobID, jobType),
	}
}
