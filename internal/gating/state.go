// Package gating decides whether deferred background jobs are worth running.
// A collector-mode proactive run records a cheap summary; the gate escalates
// it into a full background job only when the domain is past its cooldown and
// either stale or materially changed. Domain modules supply the thresholds
// and the materiality comparison; the core only shapes the decision.
package gating

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/storage"
)

// DeferredRun records the last escalation for one proactive job.
type DeferredRun struct {
	Type      string    `json:"type"`
	LastRunAt time.Time `json:"last_run_at"`
}

// gatingState is the persisted document: escalation history plus the
// last-observed baseline snapshot per domain.
type gatingState struct {
	DeferredRuns map[string]DeferredRun        `json:"deferred_runs"`
	Baselines    map[string]map[string]float64 `json:"baselines"`
}

// StateStoreOptions configures a StateStore.
type StateStoreOptions struct {
	FilePath string
	Store    storage.Store
	Log      zerolog.Logger
}

// StateStore owns the persisted gating state. Only the gating policy mutates
// it; the dispatcher and heartbeat never touch it.
type StateStore struct {
	state gatingState
	store storage.Store
	log   zerolog.Logger
	mu    sync.Mutex
}

// NewStateStore creates a state store, loading prior state if present.
func NewStateStore(opts StateStoreOptions) *StateStore {
	store := opts.Store
	if store == nil {
		if opts.FilePath != "" {
			store = storage.NewFileStore(opts.FilePath)
		} else {
			store = storage.NewMemStore()
		}
	}

	s := &StateStore{
		state: gatingState{
			DeferredRuns: make(map[string]DeferredRun),
			Baselines:    make(map[string]map[string]float64),
		},
		store: store,
		log:   opts.Log.With().Str("component", "gating_state").Logger(),
	}

	var loaded gatingState
	found, err := store.Load(&loaded)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to load gating state, starting empty")
	} else if found {
		if loaded.DeferredRuns != nil {
			s.state.DeferredRuns = loaded.DeferredRuns
		}
		if loaded.Baselines != nil {
			s.state.Baselines = loaded.Baselines
		}
	}

	return s
}

// LastDeferredRun returns the escalation record for a proactive job id.
func (s *StateStore) LastDeferredRun(jobID string) (DeferredRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.DeferredRuns[jobID]
	return rec, ok
}

// MarkDeferredRun records that a deferred job was produced for jobID now.
func (s *StateStore) MarkDeferredRun(jobID, jobType string, at time.Time) {
	s.mu.Lock()
	s.state.DeferredRuns[jobID] = DeferredRun{Type: jobType, LastRunAt: at}
	s.mu.Unlock()

	s.persist()
}

// Baseline returns the last-observed snapshot for a domain, nil if none.
func (s *StateStore) Baseline(domain string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	baseline := s.state.Baselines[domain]
	if baseline == nil {
		return nil
	}
	copied := make(map[string]float64, len(baseline))
	for k, v := range baseline {
		copied[k] = v
	}
	return copied
}

// SetBaseline replaces a domain's baseline snapshot.
func (s *StateStore) SetBaseline(domain string, snapshot map[string]float64) {
	if snapshot == nil {
		return
	}

	s.mu.Lock()
	s.state.Baselines[domain] = snapshot
	s.mu.Unlock()

	s.persist()
}

// ResetForTests clears in-memory and on-disk state back to defaults.
// Testing affordance only.
func (s *StateStore) ResetForTests() {
	s.mu.Lock()
	s.state = gatingState{
		DeferredRuns: make(map[string]DeferredRun),
		Baselines:    make(map[string]map[string]float64),
	}
	s.mu.Unlock()

	if err := s.store.Reset(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to reset gating state store")
	}
}

// persist writes the current state, best effort.
func (s *StateStore) persist() {
	s.mu.Lock()
	snapshot := gatingState{
		DeferredRuns: make(map[string]DeferredRun, len(s.state.DeferredRuns)),
		Baselines:    make(map[string]map[string]float64, len(s.state.Baselines)),
	}
	for k, v := range s.state.DeferredRuns {
		snapshot.DeferredRuns[k] = v
	}
	for domain, baseline := range s.state.Baselines {
		copied := make(map[string]float64, len(baseline))
		for k, v := range baseline {
			copied[k] = v
		}
		snapshot.Baselines[domain] = copied
	}
	s.mu.Unlock()

	if err := s.store.Save(&snapshot); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist gating state")
	}
}
