package gating

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankfrisby/backbone/internal/dispatch"
	"github.com/frankfrisby/backbone/internal/journal"
	"github.com/frankfrisby/backbone/internal/storage"
)

func noopRunnerFactory(jobID, jobType string) dispatch.Runner {
	return dispatch.RunnerFunc(func(ctx dispatch.ExecContext) (dispatch.Outcome, error) {
		return dispatch.Outcome{Success: true}, nil
	})
}

func newTestGate(t *testing.T) (*DeferredGate, *StateStore) {
	t.Helper()

	state := NewStateStore(StateStoreOptions{
		Store: storage.NewMemStore(),
		Log:   zerolog.Nop(),
	})
	gate := NewDeferredGate(DeferredGateOptions{
		State:   state,
		Modules: []DomainModule{NewMarketModule(MarketModuleOptions{})},
		Runners: noopRunnerFactory,
		Log:     zerolog.Nop(),
	})
	return gate, state
}

func collectorEvent(jobID, jobType, domain string, summary map[string]interface{}) journal.ChangeEvent {
	return journal.ChangeEvent{
		Domain:    domain,
		EventType: journal.EventTypeProactiveJob,
		Payload: map[string]interface{}{
			"jobId":         jobID,
			"type":          jobType,
			"collectorOnly": true,
			"summary":       summary,
		},
		Timestamp: time.Now(),
	}
}

func TestDeferredGate_QuietDomainWithinCooldownIsSuppressed(t *testing.T) {
	gate, state := newTestGate(t)
	now := time.Now()

	state.MarkDeferredRun("morning-brief", "brief", now.Add(-30*time.Minute))

	result, err := gate.Evaluate(context.Background(), EvalContext{
		RecentEvents: []journal.ChangeEvent{
			collectorEvent("morning-brief", "brief", "market", map[string]interface{}{
				"unrealizedPlPct": 25.0, // materiality is not consulted inside cooldown
			}),
		},
		Now: now,
	})

	require.NoError(t, err)
	assert.Empty(t, result.Jobs)
	assert.Equal(t, []string{"deferredSkip:brief"}, result.Observations)
}

func TestDeferredGate_FourHoursOldNoMaterialitySkips(t *testing.T) {
	// Past the 1h cooldown, below the 6h staleness threshold, no material
	// move: suppressed with an auditable observation.
	gate, state := newTestGate(t)
	now := time.Now()

	state.MarkDeferredRun("morning-brief", "brief", now.Add(-4*time.Hour))
	state.SetBaseline("market", map[string]float64{
		"unrealized_pl_pct": 1.0,
		"ticker_change_pct": 0.2,
	})

	result, err := gate.Evaluate(context.Background(), EvalContext{
		RecentEvents: []journal.ChangeEvent{
			collectorEvent("morning-brief", "brief", "market", map[string]interface{}{
				"unrealizedPlPct": 1.5, // 0.5pt drift, below the 2pt threshold
				"tickerChangePct": 0.3,
			}),
		},
		Now: now,
	})

	require.NoError(t, err)
	assert.Empty(t, result.Jobs)
	assert.Equal(t, []string{"deferredSkip:brief"}, result.Observations)
}

func TestDeferredGate_MaterialMovePastCooldownProducesJob(t *testing.T) {
	gate, state := newTestGate(t)
	now := time.Now()

	state.MarkDeferredRun("morning-brief", "brief", now.Add(-2*time.Hour))
	state.SetBaseline("market", map[string]float64{
		"unrealized_pl_pct": 1.0,
		"ticker_change_pct": 0.2,
	})

	result, err := gate.Evaluate(context.Background(), EvalContext{
		RecentEvents: []journal.ChangeEvent{
			collectorEvent("morning-brief", "brief", "market", map[string]interface{}{
				"unrealizedPlPct": 4.5, // 3.5pt drift, past the 2pt threshold
				"tickerChangePct": 0.4,
			}),
		},
		Now: now,
	})

	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	assert.Empty(t, result.Observations)

	job := result.Jobs[0]
	assert.Equal(t, "deferred-proactive:morning-brief", job.DedupeKey)
	assert.Equal(t, "background", string(job.Class))
	assert.Equal(t, GateReasonMaterial, job.Labels["gateReason"])
	assert.True(t, job.Preemptible)
	assert.Equal(t, int64(MarketTokenEstimate), job.EstimatedTokens)
	require.NotNil(t, job.Runner)

	// Escalation recorded and baseline advanced
	rec, ok := state.LastDeferredRun("morning-brief")
	require.True(t, ok)
	assert.Equal(t, now, rec.LastRunAt)
	assert.Equal(t, 4.5, state.Baseline("market")["unrealized_pl_pct"])
}

func TestDeferredGate_StalenessForcesRunWithoutMateriality(t *testing.T) {
	gate, state := newTestGate(t)
	now := time.Now()

	state.MarkDeferredRun("morning-brief", "brief", now.Add(-7*time.Hour))
	state.SetBaseline("market", map[string]float64{"unrealized_pl_pct": 1.0})

	result, err := gate.Evaluate(context.Background(), EvalContext{
		RecentEvents: []journal.ChangeEvent{
			collectorEvent("morning-brief", "brief", "market", map[string]interface{}{
				"unrealizedPlPct": 1.0, // no move at all
			}),
		},
		Now: now,
	})

	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, GateReasonStale, result.Jobs[0].Labels["gateReason"])
}

func TestDeferredGate_NeverRanIsForced(t *testing.T) {
	gate, _ := newTestGate(t)

	result, err := gate.Evaluate(context.Background(), EvalContext{
		RecentEvents: []journal.ChangeEvent{
			collectorEvent("morning-brief", "brief", "market", nil),
		},
		Now: time.Now(),
	})

	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, GateReasonStale, result.Jobs[0].Labels["gateReason"])
}

func TestDeferredGate_IgnoresFullRunsAndOtherEvents(t *testing.T) {
	gate, _ := newTestGate(t)

	full := collectorEvent("morning-brief", "brief", "market", nil)
	full.Payload["collectorOnly"] = false

	result, err := gate.Evaluate(context.Background(), EvalContext{
		RecentEvents: []journal.ChangeEvent{
			full,
			{Domain: "market", EventType: "price-update"},
		},
		Now: time.Now(),
	})

	require.NoError(t, err)
	assert.Empty(t, result.Jobs)
	assert.Empty(t, result.Observations)
}

func TestDeferredGate_OnlyNewestSummaryPerJobConsidered(t *testing.T) {
	gate, _ := newTestGate(t)

	// Two summaries for the same job id: only one deferred job is produced.
	result, err := gate.Evaluate(context.Background(), EvalContext{
		RecentEvents: []journal.ChangeEvent{
			collectorEvent("morning-brief", "brief", "market", nil),
			collectorEvent("morning-brief", "brief", "market", nil),
		},
		Now: time.Now(),
	})

	require.NoError(t, err)
	assert.Len(t, result.Jobs, 1)
}

func TestDeferredGate_UnknownDomainSkips(t *testing.T) {
	gate, _ := newTestGate(t)

	result, err := gate.Evaluate(context.Background(), EvalContext{
		RecentEvents: []journal.ChangeEvent{
			collectorEvent("health-brief", "brief", "health", nil),
		},
		Now: time.Now(),
	})

	require.NoError(t, err)
	assert.Empty(t, result.Jobs)
	assert.Equal(t, []string{"deferredSkip:brief"}, result.Observations)
}

func TestStateStore_PersistsAcrossRestart(t *testing.T) {
	store := storage.NewMemStore()
	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	s := NewStateStore(StateStoreOptions{Store: store, Log: zerolog.Nop()})
	s.MarkDeferredRun("morning-brief", "brief", at)
	s.SetBaseline("market", map[string]float64{"unrealized_pl_pct": 2.5})

	reloaded := NewStateStore(StateStoreOptions{Store: store, Log: zerolog.Nop()})

	rec, ok := reloaded.LastDeferredRun("morning-brief")
	require.True(t, ok)
	assert.Equal(t, "brief", rec.Type)
	assert.True(t, rec.LastRunAt.Equal(at))
	assert.Equal(t, 2.5, reloaded.Baseline("market")["unrealized_pl_pct"])
}

func TestStateStore_ResetForTests(t *testing.T) {
	s := NewStateStore(StateStoreOptions{Store: storage.NewMemStore(), Log: zerolog.Nop()})
	s.MarkDeferredRun("j", "t", time.Now())

	s.ResetForTests()

	_, ok := s.LastDeferredRun("j")
	assert.False(t, ok)
	assert.Nil(t, s.Baseline("market"))
}
