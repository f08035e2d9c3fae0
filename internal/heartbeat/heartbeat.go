package heartbeat

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/budget"
	"github.com/frankfrisby/backbone/internal/dispatch"
	"github.com/frankfrisby/backbone/internal/gating"
	"github.com/frankfrisby/backbone/internal/journal"
)

const (
	// DefaultInterval is how often the heartbeat wakes when the caller does
	// not configure one.
	DefaultInterval = 5 * time.Minute

	// DefaultJitter spreads ticks so restarts don't line every instance up
	// on the same wall-clock boundary.
	DefaultJitter = 30 * time.Second

	// recentEventWindow is how many journal events the evaluator sees per tick.
	recentEventWindow = 50

	// maxObservations bounds the diagnostic ring exposed via Observations.
	maxObservations = 100
)

// Tick skip reasons.
const (
	SkipReasonNoChange       = "no-change"
	SkipReasonEvaluatorError = "evaluator-error"
)

// TickResult reports what a single heartbeat tick did.
type TickResult struct {
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
	Enqueued int    `json:"enqueued"`
}

// Options configures a Heartbeat. Journal, Dispatcher and Evaluator are
// required; everything else has defaults.
type Options struct {
	Journal    *journal.Journal
	Dispatcher *dispatch.Dispatcher
	Budget     *budget.Guard
	Evaluator  gating.Evaluator
	Interval   time.Duration
	Jitter     time.Duration
	Log        zerolog.Logger
}

// Heartbeat drives the gating evaluator off journal version diffs. A tick
// that observes no version movement since the last successful tick returns
// immediately without touching the evaluator, so an idle system costs nothing
// beyond a map compare.
type Heartbeat struct {
	journalStore *journal.Journal
	dispatcher   *dispatch.Dispatcher
	budgetGuard  *budget.Guard
	evaluator    gating.Evaluator
	interval     time.Duration
	jitter       time.Duration
	log          zerolog.Logger

	mu           sync.Mutex
	lastVersions map[string]int64
	observations []string
	ticks        int64
	skipped      int64

	stop    chan struct{}
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New builds a Heartbeat from opts.
func New(opts Options) *Heartbeat {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	jitter := opts.Jitter
	if jitter < 0 {
		jitter = DefaultJitter
	}
	return &Heartbeat{
		journalStore: opts.Journal,
		dispatcher:   opts.Dispatcher,
		budgetGuard:  opts.Budget,
		evaluator:    opts.Evaluator,
		interval:     interval,
		jitter:       jitter,
		log:          opts.Log.With().Str("component", "heartbeat").Logger(),
		lastVersions: map[string]int64{},
		stop:         make(chan struct{}),
	}
}

// Tick runs one heartbeat evaluation. reason is a free-form label ("interval",
// "manual", a test name) carried into logs only. Ticks are serialized; a
// manual Tick during the timer loop's tick waits its turn.
func (h *Heartbeat) Tick(ctx context.Context, reason string) TickResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ticks++
	current := h.journalStore.Versions()
	changed := diffSnapshots(h.lastVersions, current)
	if len(changed) == 0 {
		h.skipped++
		return TickResult{Skipped: true, Reason: SkipReasonNoChange}
	}

	result, err := h.evaluator.Evaluate(ctx, gating.EvalContext{
		ChangedDomains: changed,
		RecentEvents:   h.journalStore.RecentEvents(recentEventWindow),
		Budget:         h.budgetGuard,
		Now:            time.Now(),
	})
	if err != nil {
		// Leave lastVersions untouched so the next tick retries the same diff.
		h.skipped++
		h.log.Error().Err(err).Str("reason", reason).Strs("changed", changed).Msg("Evaluator failed, skipping tick")
		return TickResult{Skipped: true, Reason: SkipReasonEvaluatorError}
	}

	enqueued := 0
	for _, job := range result.Jobs {
		if h.dispatcher.Submit(job) {
			enqueued++
		}
	}
	h.recordObservationsLocked(result.Observations)
	h.lastVersions = current

	h.log.Debug().
		Str("reason", reason).
		Strs("changed", changed).
		Int("enqueued", enqueued).
		Int("observations", len(result.Observations)).
		Msg("Heartbeat tick evaluated")
	return TickResult{Enqueued: enqueued}
}

// Start launches the jittered timer loop. Safe to call after Stop; the loop
// restarts with a fresh stop channel.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started && !h.stopped {
		h.log.Warn().Msg("Heartbeat already started, ignoring")
		return
	}
	if h.stopped {
		h.stop = make(chan struct{})
		h.stopped = false
	}
	h.started = true
	stop := h.stop

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		timer := time.NewTimer(h.nextDelay())
		defer timer.Stop()
		for {
			select {
			case <-stop:
				return
			case <-timer.C:
				h.Tick(context.Background(), "interval")
				timer.Reset(h.nextDelay())
			}
		}
	}()
	h.log.Info().Dur("interval", h.interval).Dur("jitter", h.jitter).Msg("Heartbeat started")
}

// Stop halts the timer loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.stop)
	h.mu.Unlock()

	h.wg.Wait()
	h.log.Info().Msg("Heartbeat stopped")
}

// Observations returns the recent evaluator observations, newest last.
func (h *Heartbeat) Observations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.observations))
	copy(out, h.observations)
	return out
}

// Stats reports tick counters for the status endpoint.
func (h *Heartbeat) Stats() (ticks, skipped int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks, h.skipped
}

// ResetForTests clears the version snapshot, observations and counters.
func (h *Heartbeat) ResetForTests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastVersions = map[string]int64{}
	h.observations = nil
	h.ticks = 0
	h.skipped = 0
}

func (h *Heartbeat) recordObservationsLocked(obs []string) {
	h.observations = append(h.observations, obs...)
	if len(h.observations) > maxObservations {
		h.observations = h.observations[len(h.observations)-maxObservations:]
	}
}

func (h *Heartbeat) nextDelay() time.Duration {
	if h.jitter <= 0 {
		return h.interval
	}
	offset := time.Duration(rand.Int63n(int64(2*h.jitter))) - h.jitter
	delay := h.interval + offset
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

// diffSnapshots returns the domains whose version differs between prev and
// current, including domains current has that prev never saw.
func diffSnapshots(prev, current map[string]int64) []string {
	var changed []string
	for domain, version := range current {
		if prev[domain] != version {
			changed = append(changed, domain)
		}
	}
	return changed
}
