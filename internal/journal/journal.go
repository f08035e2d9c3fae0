// Package journal provides the change-tracking journal: an append-only log of
// domain change events plus a monotonic version counter per domain. The
// heartbeat diffs version snapshots to detect change cheaply, and the gating
// policy scans recent events for structured summaries (e.g. collector-only
// proactive runs) without depending on the component that produced them.
package journal

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/events"
	"github.com/frankfrisby/backbone/internal/storage"
)

// DefaultMaxEvents bounds the in-memory event ring when no limit is configured.
const DefaultMaxEvents = 200

// Well-known journal event types consumed across components.
const (
	// EventTypeProactiveJob marks a proactive scheduler run summary; the
	// gating policy scans these for collector-only results.
	EventTypeProactiveJob = "proactive-job"

	// EventTypeJobCompleted marks a dispatcher terminal outcome recorded for
	// observability.
	EventTypeJobCompleted = "job-completed"
)

// ChangeEvent is one recorded domain change. Immutable once written.
type ChangeEvent struct {
	Domain    string                 `json:"domain"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Sequence  int64                  `json:"sequence"`
}

// Options configures a Journal.
type Options struct {
	FilePath  string        // JSON state file; empty means in-memory only
	MaxEvents int           // ring size; DefaultMaxEvents when zero
	Store     storage.Store // overrides FilePath when set (tests)
	Bus       *events.Bus   // optional; each Emit publishes a ChangeRecorded event
	Log       zerolog.Logger
}

// Journal tracks per-domain versions and retains the newest MaxEvents events.
// In-memory state is the source of truth; persistence is best effort.
type Journal struct {
	versions  map[string]int64
	events    []ChangeEvent
	sequence  int64
	maxEvents int
	store     storage.Store
	bus       *events.Bus
	log       zerolog.Logger
	mu        sync.Mutex
}

// persistedState is the JSON document written to the journal's state file.
type persistedState struct {
	Versions map[string]int64 `json:"versions"`
	Events   []ChangeEvent    `json:"events"`
	Sequence int64            `json:"sequence"`
}

// New creates a journal, loading prior state from its store if present.
// A missing state file means an empty journal, never an error.
func New(opts Options) *Journal {
	store := opts.Store
	if store == nil {
		if opts.FilePath != "" {
			store = storage.NewFileStore(opts.FilePath)
		} else {
			store = storage.NewMemStore()
		}
	}

	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	j := &Journal{
		versions:  make(map[string]int64),
		events:    make([]ChangeEvent, 0),
		maxEvents: maxEvents,
		store:     store,
		bus:       opts.Bus,
		log:       opts.Log.With().Str("component", "journal").Logger(),
	}

	var state persistedState
	found, err := store.Load(&state)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to load journal state, starting empty")
	} else if found {
		if state.Versions != nil {
			j.versions = state.Versions
		}
		if len(state.Events) > maxEvents {
			state.Events = state.Events[len(state.Events)-maxEvents:]
		}
		j.events = state.Events
		j.sequence = state.Sequence
	}

	return j
}

// Emit bumps the domain's version and appends one event as a single unit.
// It always succeeds: a persistence failure is logged and ignored.
func (j *Journal) Emit(domain, eventType string, payload, meta map[string]interface{}) {
	j.mu.Lock()

	j.sequence++
	j.versions[domain]++

	event := ChangeEvent{
		Domain:    domain,
		EventType: eventType,
		Payload:   payload,
		Meta:      meta,
		Timestamp: time.Now(),
		Sequence:  j.sequence,
	}

	j.events = append(j.events, event)
	if len(j.events) > j.maxEvents {
		j.events = j.events[len(j.events)-j.maxEvents:]
	}

	state := j.snapshotStateLocked()
	version := j.versions[domain]
	j.mu.Unlock()

	if err := j.store.Save(&state); err != nil {
		j.log.Warn().Err(err).Str("domain", domain).Msg("Failed to persist journal state")
	}

	if j.bus != nil {
		j.bus.Emit(events.ChangeRecorded, "journal", map[string]interface{}{
			"domain":     domain,
			"event_type": eventType,
			"version":    version,
		})
	}
}

// Versions returns a copy of the version table, not a live reference.
func (j *Journal) Versions() map[string]int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	snapshot := make(map[string]int64, len(j.versions))
	for domain, version := range j.versions {
		snapshot[domain] = version
	}
	return snapshot
}

// DiffVersions returns the domains whose version now exceeds the snapshot's,
// sorted for deterministic output. A domain absent from the snapshot counts
// as version 0.
func (j *Journal) DiffVersions(snapshot map[string]int64) []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	changed := make([]string, 0)
	for domain, version := range j.versions {
		if version > snapshot[domain] {
			changed = append(changed, domain)
		}
	}
	sort.Strings(changed)
	return changed
}

// RecentEvents returns up to n events, newest first.
func (j *Journal) RecentEvents(n int) []ChangeEvent {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n > len(j.events) {
		n = len(j.events)
	}

	recent := make([]ChangeEvent, n)
	for i := 0; i < n; i++ {
		recent[i] = j.events[len(j.events)-1-i]
	}
	return recent
}

// ResetForTests clears in-memory and on-disk state back to defaults.
// Testing affordance only.
func (j *Journal) ResetForTests() {
	j.mu.Lock()
	j.versions = make(map[string]int64)
	j.events = make([]ChangeEvent, 0)
	j.sequence = 0
	j.mu.Unlock()

	if err := j.store.Reset(); err != nil {
		j.log.Warn().Err(err).Msg("Failed to reset journal store")
	}
}

// snapshotStateLocked copies current state for persistence. Caller holds mu.
func (j *Journal) snapshotStateLocked() persistedState {
	versions := make(map[string]int64, len(j.versions))
	for domain, version := range j.versions {
		versions[domain] = version
	}
	events := make([]ChangeEvent, len(j.events))
	copy(events, j.events)

	return persistedState{
		Versions: versions,
		Events:   events,
		Sequence: j.sequence,
	}
}
