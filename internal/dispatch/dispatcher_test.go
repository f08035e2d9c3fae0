package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankfrisby/backbone/internal/budget"
	"github.com/frankfrisby/backbone/internal/events"
	"github.com/frankfrisby/backbone/internal/storage"
)

type testHarness struct {
	dispatcher *Dispatcher
	guard      *budget.Guard
	bus        *events.Bus

	mu    sync.Mutex
	order []string
}

// record appends a marker to the observed event order.
func (h *testHarness) record(marker string) {
	h.mu.Lock()
	h.order = append(h.order, marker)
	h.mu.Unlock()
}

func (h *testHarness) observed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

func (h *testHarness) indexOf(marker string) int {
	for i, m := range h.observed() {
		if m == marker {
			return i
		}
	}
	return -1
}

func newHarness(t *testing.T, hourly, daily int64, holdMs int) *testHarness {
	t.Helper()

	guard := budget.New(budget.Options{
		HourlyTokens: hourly,
		DailyTokens:  daily,
		Store:        storage.NewMemStore(),
		Log:          zerolog.Nop(),
	})
	bus := events.NewBus()

	d := New(Options{
		Budget:        guard,
		Bus:           bus,
		UserHoldMs:    holdMs,
		SweepInterval: 50 * time.Millisecond,
		Log:           zerolog.Nop(),
	})

	h := &testHarness{dispatcher: d, guard: guard, bus: bus}

	bus.Subscribe(events.JobStarted, func(e *events.Event) {
		h.record("started:" + e.Data["job_id"].(string))
	})
	bus.Subscribe(events.JobYielded, func(e *events.Event) {
		h.record("yielded:" + e.Data["job_id"].(string))
	})
	bus.Subscribe(events.JobCompleted, func(e *events.Event) {
		h.record("completed:" + e.Data["job_id"].(string))
	})

	go d.Run()
	t.Cleanup(d.Stop)

	return h
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func successRunner(tokens int64, onRun func()) Runner {
	return RunnerFunc(func(ctx ExecContext) (Outcome, error) {
		if onRun != nil {
			onRun()
		}
		return Outcome{Success: true, TokensUsed: tokens}, nil
	})
}

func TestDispatcher_RunsBackgroundJob(t *testing.T) {
	h := newHarness(t, 1000, 10000, 100)

	ran := atomic.Bool{}
	ok := h.dispatcher.Submit(Job{
		ID:              "bg1",
		Kind:            "analysis",
		Domain:          "market",
		Class:           budget.ClassBackground,
		EstimatedTokens: 100,
		Runner:          successRunner(80, func() { ran.Store(true) }),
	})
	require.True(t, ok)

	require.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:bg1") >= 0
	}))
	assert.True(t, ran.Load())

	// Actual usage booked, reservation released
	snap := h.guard.GetSnapshot()
	assert.Equal(t, int64(80), snap.HourlyUsed)
	assert.Equal(t, 0, snap.Reservations)
}

func TestDispatcher_ExactlyOneCompletedEventPerTerminalOutcome(t *testing.T) {
	h := newHarness(t, 1000, 10000, 100)

	h.dispatcher.Submit(Job{
		ID:     "j1",
		Class:  budget.ClassBackground,
		Runner: successRunner(10, nil),
	})

	require.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:j1") >= 0
	}))
	time.Sleep(50 * time.Millisecond)

	count := 0
	for _, m := range h.observed() {
		if m == "completed:j1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDispatcher_DedupeCollapsesSubmissions(t *testing.T) {
	h := newHarness(t, 1000, 10000, 100)

	release := make(chan struct{})
	runs := atomic.Int32{}
	runner := RunnerFunc(func(ctx ExecContext) (Outcome, error) {
		runs.Add(1)
		<-release
		return Outcome{Success: true}, nil
	})

	require.True(t, h.dispatcher.Submit(Job{
		ID: "a", DedupeKey: "deferred-proactive:morning-brief",
		Class: budget.ClassBackground, Runner: runner,
	}))
	require.True(t, waitFor(t, time.Second, func() bool { return runs.Load() == 1 }))

	// Same key while running: collapsed
	assert.False(t, h.dispatcher.Submit(Job{
		ID: "b", DedupeKey: "deferred-proactive:morning-brief",
		Class: budget.ClassBackground, Runner: runner,
	}))

	close(release)
	require.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:a") >= 0
	}))

	// Key released after the terminal outcome
	assert.True(t, h.dispatcher.Submit(Job{
		ID: "c", DedupeKey: "deferred-proactive:morning-brief",
		Class: budget.ClassBackground, Runner: successRunner(0, nil),
	}))
}

func TestDispatcher_CooperativePreemptionOrdering(t *testing.T) {
	// A preemptible background job checkpoints 8 times. A user job arrives
	// after it starts, with a hold window shorter than the background job's
	// total runtime. Required ordering: exactly one yield before the user
	// job runs, user completion before the background job's terminal
	// completion, and terminal success after resuming.
	h := newHarness(t, 100000, 1000000, 150)

	type progress struct {
		Step int `msgpack:"step"`
	}

	bgStarted := make(chan struct{})
	startedOnce := sync.Once{}
	var resumedFrom atomic.Int32
	resumedFrom.Store(-1)

	bgRunner := RunnerFunc(func(ctx ExecContext) (Outcome, error) {
		start := 0
		if token := ctx.ResumeToken(); token != nil {
			var p progress
			if err := DecodeResumeState(token, &p); err != nil {
				return Outcome{}, err
			}
			start = p.Step
			resumedFrom.Store(int32(start))
		}
		startedOnce.Do(func() { close(bgStarted) })

		for step := start; step < 8; step++ {
			time.Sleep(30 * time.Millisecond)
			if ctx.Checkpoint("step") {
				token, err := EncodeResumeState(&progress{Step: step})
				if err != nil {
					return Outcome{}, err
				}
				return Outcome{
					Yielded:     true,
					ResumeToken: token,
					TokensUsed:  int64(step * 10),
				}, nil
			}
		}
		return Outcome{Success: true, TokensUsed: 80}, nil
	})

	require.True(t, h.dispatcher.Submit(Job{
		ID:              "bg",
		Kind:            "deferred-analysis",
		Class:           budget.ClassBackground,
		Preemptible:     true,
		EstimatedTokens: 100,
		Runner:          bgRunner,
	}))

	<-bgStarted
	time.Sleep(50 * time.Millisecond)

	require.True(t, h.dispatcher.Submit(Job{
		ID:    "user",
		Kind:  "user-query",
		Class: budget.ClassUser,
		Runner: RunnerFunc(func(ctx ExecContext) (Outcome, error) {
			time.Sleep(40 * time.Millisecond)
			return Outcome{Success: true, TokensUsed: 20}, nil
		}),
	}))

	require.True(t, waitFor(t, 5*time.Second, func() bool {
		return h.indexOf("completed:bg") >= 0
	}))

	yieldIdx := h.indexOf("yielded:bg")
	userStartIdx := h.indexOf("started:user")
	userDoneIdx := h.indexOf("completed:user")
	bgDoneIdx := h.indexOf("completed:bg")

	require.GreaterOrEqual(t, yieldIdx, 0, "background job must yield, observed: %v", h.observed())
	require.GreaterOrEqual(t, userStartIdx, 0)
	require.GreaterOrEqual(t, userDoneIdx, 0)

	// (1) yield observed before the user job runs
	assert.Less(t, yieldIdx, userStartIdx)
	// (2) user completion observed before the background job's terminal completion
	assert.Less(t, userDoneIdx, bgDoneIdx)
	// (3) background job resumed from its checkpoint rather than restarting
	assert.GreaterOrEqual(t, resumedFrom.Load(), int32(1))

	stats := h.dispatcher.GetStats()
	assert.Equal(t, int64(1), stats.Yields)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestDispatcher_NonPreemptibleJobDoesNotYield(t *testing.T) {
	h := newHarness(t, 1000, 10000, 100)

	yielded := atomic.Bool{}
	h.dispatcher.Submit(Job{
		ID:          "bg",
		Class:       budget.ClassBackground,
		Preemptible: false,
		Runner: RunnerFunc(func(ctx ExecContext) (Outcome, error) {
			h.dispatcher.NoteUserActivity("test", 500)
			if ctx.Checkpoint("mid") {
				yielded.Store(true)
			}
			return Outcome{Success: true}, nil
		}),
	})

	require.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:bg") >= 0
	}))
	assert.False(t, yielded.Load())
}

func TestDispatcher_HoldWindowBlocksBackgroundStart(t *testing.T) {
	h := newHarness(t, 1000, 10000, 100)

	h.dispatcher.NoteUserActivity("keyboard", 200)

	started := atomic.Bool{}
	h.dispatcher.Submit(Job{
		ID:     "bg",
		Class:  budget.ClassBackground,
		Runner: successRunner(0, func() { started.Store(true) }),
	})

	time.Sleep(100 * time.Millisecond)
	assert.False(t, started.Load(), "background job must not start during hold window")

	require.True(t, waitFor(t, time.Second, func() bool { return started.Load() }))
}

func TestDispatcher_UserJobRunsDuringHoldWindow(t *testing.T) {
	h := newHarness(t, 10, 10, 100)

	h.dispatcher.NoteUserActivity("keyboard", 60_000)

	// User work ignores both the hold window and the budget
	h.dispatcher.Submit(Job{
		ID:              "user",
		Class:           budget.ClassUser,
		EstimatedTokens: 1_000_000,
		Runner:          successRunner(5, nil),
	})

	assert.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:user") >= 0
	}))
}

func TestDispatcher_BudgetDeniedJobStaysQueued(t *testing.T) {
	h := newHarness(t, 100, 10000, 50)

	h.guard.RecordUsage("warmup", 90)

	started := atomic.Bool{}
	h.dispatcher.Submit(Job{
		ID:              "bg",
		Class:           budget.ClassBackground,
		EstimatedTokens: 50,
		Runner:          successRunner(50, func() { started.Store(true) }),
	})

	time.Sleep(100 * time.Millisecond)
	assert.False(t, started.Load())
	assert.Equal(t, 1, h.dispatcher.GetStats().QueuedBackground)
}

func TestDispatcher_SmallerJobAdmittedPastDeniedHead(t *testing.T) {
	h := newHarness(t, 100, 10000, 50)

	h.guard.RecordUsage("warmup", 60)

	h.dispatcher.Submit(Job{
		ID: "big", Class: budget.ClassBackground, EstimatedTokens: 80,
		Runner: successRunner(80, nil),
	})
	h.dispatcher.Submit(Job{
		ID: "small", Class: budget.ClassBackground, EstimatedTokens: 20,
		Runner: successRunner(20, nil),
	})

	require.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:small") >= 0
	}))
	assert.Less(t, h.indexOf("completed:big"), 0)
}

func TestDispatcher_ErrorBecomesFailedOutcome(t *testing.T) {
	h := newHarness(t, 1000, 10000, 100)

	var failData map[string]interface{}
	var errData map[string]interface{}
	var dataMu sync.Mutex
	h.bus.Subscribe(events.JobCompleted, func(e *events.Event) {
		dataMu.Lock()
		failData = e.Data
		dataMu.Unlock()
	})
	h.bus.Subscribe(events.ErrorOccurred, func(e *events.Event) {
		dataMu.Lock()
		errData = e.Data
		dataMu.Unlock()
	})

	h.dispatcher.Submit(Job{
		ID:    "fails",
		Class: budget.ClassBackground,
		Runner: RunnerFunc(func(ctx ExecContext) (Outcome, error) {
			return Outcome{TokensUsed: 12}, errors.New("upstream unavailable")
		}),
	})

	require.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:fails") >= 0
	}))

	dataMu.Lock()
	defer dataMu.Unlock()
	assert.Equal(t, false, failData["success"])
	assert.Equal(t, "upstream unavailable", failData["error"])

	// A failed outcome also raises a dedicated error event.
	require.NotNil(t, errData)
	assert.Equal(t, "fails", errData["job_id"])
	assert.Equal(t, "upstream unavailable", errData["error"])

	// Partial usage still booked, reservation released
	snap := h.guard.GetSnapshot()
	assert.Equal(t, int64(12), snap.HourlyUsed)
	assert.Equal(t, 0, snap.Reservations)
}

func TestDispatcher_PanicDoesNotCrashDispatcher(t *testing.T) {
	h := newHarness(t, 1000, 10000, 100)

	h.dispatcher.Submit(Job{
		ID:    "panics",
		Class: budget.ClassBackground,
		Runner: RunnerFunc(func(ctx ExecContext) (Outcome, error) {
			panic("boom")
		}),
	})

	require.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:panics") >= 0
	}))

	// Dispatcher still dispatches after the panic
	h.dispatcher.Submit(Job{
		ID: "after", Class: budget.ClassBackground,
		Runner: successRunner(0, nil),
	})
	assert.True(t, waitFor(t, time.Second, func() bool {
		return h.indexOf("completed:after") >= 0
	}))
}

func TestDispatcher_RejectsJobWithoutRunner(t *testing.T) {
	h := newHarness(t, 1000, 10000, 100)

	assert.False(t, h.dispatcher.Submit(Job{ID: "norun"}))
}

func TestDispatcher_Stop(t *testing.T) {
	guard := budget.New(budget.Options{
		HourlyTokens: 100, DailyTokens: 100,
		Store: storage.NewMemStore(), Log: zerolog.Nop(),
	})
	d := New(Options{Budget: guard, Bus: events.NewBus(), Log: zerolog.Nop()})

	go d.Run()

	done := make(chan bool)
	go func() {
		d.Stop()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked")
	}
}

func TestDispatcher_ResetForTests(t *testing.T) {
	h := newHarness(t, 0, 0, 100)

	// Budget of zero keeps the job queued
	h.dispatcher.Submit(Job{
		ID: "stuck", DedupeKey: "k", Class: budget.ClassBackground,
		EstimatedTokens: 10, Runner: successRunner(0, nil),
	})
	require.True(t, waitFor(t, time.Second, func() bool {
		return h.dispatcher.GetStats().QueuedBackground == 1
	}))

	h.dispatcher.ResetForTests()

	stats := h.dispatcher.GetStats()
	assert.Zero(t, stats.QueuedBackground)
	assert.Zero(t, stats.QueuedUser)

	// Dedupe key released by the reset
	assert.True(t, h.dispatcher.Submit(Job{
		ID: "again", DedupeKey: "k", Class: budget.ClassBackground,
		EstimatedTokens: 10, Runner: successRunner(0, nil),
	}))
}
