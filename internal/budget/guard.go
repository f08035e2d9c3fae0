// Package budget provides token-budget admission control for background work.
// Admission uses a reserve/use two-phase protocol: a job reserves its estimate
// before launch and converts the reservation into actual usage when it
// finishes, so concurrently-admitted jobs cannot collectively overshoot the
// budget while one of them is still running.
package budget

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/storage"
)

// Class is the admission priority class of a job.
type Class string

const (
	// ClassUser marks interactive work. Never budget-denied.
	ClassUser Class = "user"
	// ClassBackground marks speculative work subject to the rolling budgets.
	ClassBackground Class = "background"
)

// Denial reasons returned by CanLaunch.
const (
	ReasonHourlyExceeded = "background_hourly_budget_exceeded"
	ReasonDailyExceeded  = "background_daily_budget_exceeded"
)

// Decision is the result of an admission check. A denial is expected control
// flow, not an error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Options configures a Guard.
type Options struct {
	FilePath     string        // JSON state file; empty means in-memory only
	HourlyTokens int64         // background hourly token limit
	DailyTokens  int64         // background daily token limit
	Store        storage.Store // overrides FilePath when set (tests)
	Now          func() time.Time
	Log          zerolog.Logger
}

// Guard tracks reservations and actual usage against rolling hourly and daily
// windows. Only actual usage is persisted; reservations die with the process.
type Guard struct {
	hourlyLimit  int64
	dailyLimit   int64
	reservations map[string]int64
	hourlyUsed   int64
	dailyUsed    int64
	hourStart    time.Time
	dayStart     time.Time
	store        storage.Store
	now          func() time.Time
	log          zerolog.Logger
	mu           sync.Mutex
}

type persistedState struct {
	HourlyUsed int64     `json:"hourly_used"`
	DailyUsed  int64     `json:"daily_used"`
	HourStart  time.Time `json:"hour_start"`
	DayStart   time.Time `json:"day_start"`
}

// New creates a guard, loading prior usage from its store if present.
func New(opts Options) *Guard {
	store := opts.Store
	if store == nil {
		if opts.FilePath != "" {
			store = storage.NewFileStore(opts.FilePath)
		} else {
			store = storage.NewMemStore()
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	g := &Guard{
		hourlyLimit:  opts.HourlyTokens,
		dailyLimit:   opts.DailyTokens,
		reservations: make(map[string]int64),
		hourStart:    now(),
		dayStart:     now(),
		store:        store,
		now:          now,
		log:          opts.Log.With().Str("component", "budget").Logger(),
	}

	var state persistedState
	found, err := store.Load(&state)
	if err != nil {
		g.log.Warn().Err(err).Msg("Failed to load budget state, starting empty")
	} else if found {
		g.hourlyUsed = state.HourlyUsed
		g.dailyUsed = state.DailyUsed
		if !state.HourStart.IsZero() {
			g.hourStart = state.HourStart
		}
		if !state.DayStart.IsZero() {
			g.dayStart = state.DayStart
		}
	}

	return g
}

// CanLaunch reports whether a job with the given estimate may be admitted.
// User-class work is never denied.
func (g *Guard) CanLaunch(class Class, estimatedTokens int64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.canLaunchLocked(class, estimatedTokens)
}

// Reserve atomically records a reservation for jobID. It re-checks admission
// under the lock and returns false if the budget was consumed between an
// earlier CanLaunch and this call.
func (g *Guard) Reserve(jobID string, class Class, tokens int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if decision := g.canLaunchLocked(class, tokens); !decision.Allowed {
		g.log.Debug().
			Str("job_id", jobID).
			Str("reason", decision.Reason).
			Msg("Reservation refused, budget consumed since admission check")
		return false
	}

	g.reservations[jobID] = tokens
	return true
}

// RecordUsage releases jobID's reservation and books the actual token count.
// Actual usage may differ from the original estimate.
func (g *Guard) RecordUsage(jobID string, tokens int64) {
	g.mu.Lock()

	delete(g.reservations, jobID)
	g.rollWindowsLocked()
	g.hourlyUsed += tokens
	g.dailyUsed += tokens

	state := persistedState{
		HourlyUsed: g.hourlyUsed,
		DailyUsed:  g.dailyUsed,
		HourStart:  g.hourStart,
		DayStart:   g.dayStart,
	}
	g.mu.Unlock()

	if err := g.store.Save(&state); err != nil {
		g.log.Warn().Err(err).Msg("Failed to persist budget state")
	}
}

// Snapshot describes current budget consumption for diagnostics.
type Snapshot struct {
	HourlyLimit    int64 `json:"hourly_limit"`
	DailyLimit     int64 `json:"daily_limit"`
	HourlyUsed     int64 `json:"hourly_used"`
	DailyUsed      int64 `json:"daily_used"`
	ReservedTokens int64 `json:"reserved_tokens"`
	Reservations   int   `json:"reservations"`
}

// GetSnapshot returns the current budget state.
func (g *Guard) GetSnapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollWindowsLocked()

	return Snapshot{
		HourlyLimit:    g.hourlyLimit,
		DailyLimit:     g.dailyLimit,
		HourlyUsed:     g.hourlyUsed,
		DailyUsed:      g.dailyUsed,
		ReservedTokens: g.reservedLocked(),
		Reservations:   len(g.reservations),
	}
}

// ResetForTests clears in-memory and on-disk state back to defaults.
// Testing affordance only.
func (g *Guard) ResetForTests() {
	g.mu.Lock()
	g.reservations = make(map[string]int64)
	g.hourlyUsed = 0
	g.dailyUsed = 0
	g.hourStart = g.now()
	g.dayStart = g.now()
	g.mu.Unlock()

	if err := g.store.Reset(); err != nil {
		g.log.Warn().Err(err).Msg("Failed to reset budget store")
	}
}

// canLaunchLocked checks admission against both windows. Caller holds mu.
func (g *Guard) canLaunchLocked(class Class, estimatedTokens int64) Decision {
	if class != ClassBackground {
		return Decision{Allowed: true}
	}

	g.rollWindowsLocked()
	reserved := g.reservedLocked()

	if g.hourlyUsed+reserved+estimatedTokens > g.hourlyLimit {
		return Decision{Allowed: false, Reason: ReasonHourlyExceeded}
	}
	if g.dailyUsed+reserved+estimatedTokens > g.dailyLimit {
		return Decision{Allowed: false, Reason: ReasonDailyExceeded}
	}
	return Decision{Allowed: true}
}

// rollWindowsLocked resets usage when the clock crosses a window boundary.
// Caller holds mu.
func (g *Guard) rollWindowsLocked() {
	now := g.now()
	if now.Sub(g.hourStart) >= time.Hour {
		g.hourStart = now
		g.hourlyUsed = 0
	}
	if now.Sub(g.dayStart) >= 24*time.Hour {
		g.dayStart = now
		g.dailyUsed = 0
	}
}

// reservedLocked sums outstanding reservations. Caller holds mu.
func (g *Guard) reservedLocked() int64 {
	var total int64
	for _, tokens := range g.reservations {
		total += tokens
	}
	return total
}
