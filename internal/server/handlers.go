package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/frankfrisby/backbone/internal/budget"
	"github.com/frankfrisby/backbone/internal/dispatch"
	"github.com/frankfrisby/backbone/internal/heartbeat"
	"github.com/frankfrisby/backbone/internal/history"
	"github.com/frankfrisby/backbone/internal/journal"
	"github.com/frankfrisby/backbone/internal/proactive"
	"github.com/frankfrisby/backbone/internal/reliability"
)

// HandlersConfig wires the orchestrator components into the HTTP handlers.
type HandlersConfig struct {
	Log        zerolog.Logger
	Journal    *journal.Journal
	Budget     *budget.Guard
	Dispatcher *dispatch.Dispatcher
	Heartbeat  *heartbeat.Heartbeat
	Proactive  *proactive.Scheduler
	History    *history.Store
	Backups    *reliability.BackupService
}

// Handlers holds the API endpoint implementations.
type Handlers struct {
	log         zerolog.Logger
	journal     *journal.Journal
	budget      *budget.Guard
	dispatcher  *dispatch.Dispatcher
	heartbeat   *heartbeat.Heartbeat
	proactive   *proactive.Scheduler
	history     *history.Store
	backups     *reliability.BackupService
	startupTime time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		log:         cfg.Log.With().Str("component", "api").Logger(),
		journal:     cfg.Journal,
		budget:      cfg.Budget,
		dispatcher:  cfg.Dispatcher,
		heartbeat:   cfg.Heartbeat,
		proactive:   cfg.Proactive,
		history:     cfg.History,
		backups:     cfg.Backups,
		startupTime: time.Now(),
	}
}

// Status handles GET /api/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	ticks, skipped := h.heartbeat.Stats()
	cpuPct, ramPct := systemUsage(h.log)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.startupTime).Seconds()),
		"dispatcher":     h.dispatcher.GetStats(),
		"budget":         h.budget.GetSnapshot(),
		"heartbeat": map[string]interface{}{
			"ticks":        ticks,
			"skipped":      skipped,
			"observations": h.heartbeat.Observations(),
		},
		"proactive": map[string]interface{}{
			"jobs":                h.proactive.Jobs(),
			"daily_message_count": h.proactive.DailyMessageCount(),
		},
		"journal_versions": h.journal.Versions(),
		"system": map[string]interface{}{
			"cpu_percent": cpuPct,
			"ram_percent": ramPct,
		},
	})
}

// Budget handles GET /api/budget.
func (h *Handlers) Budget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.budget.GetSnapshot())
}

// JournalEvents handles GET /api/journal/events?n=50.
func (h *Handlers) JournalEvents(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":   h.journal.RecentEvents(n),
		"versions": h.journal.Versions(),
	})
}

// EmitChange handles POST /api/journal/emit. External collaborators (channel
// adapters, UI) report domain changes through this endpoint.
func (h *Handlers) EmitChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain    string                 `json:"domain"`
		EventType string                 `json:"eventType"`
		Payload   map[string]interface{} `json:"payload"`
		Meta      map[string]interface{} `json:"meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Domain == "" || req.EventType == "" {
		writeError(w, http.StatusBadRequest, "domain and eventType are required")
		return
	}

	h.journal.Emit(req.Domain, req.EventType, req.Payload, req.Meta)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": h.journal.Versions(),
	})
}

// JobHistory handles GET /api/jobs/history?n=50.
func (h *Handlers) JobHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.history.Recent(queryInt(r, "n", 50))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read job history")
		writeError(w, http.StatusInternalServerError, "failed to read job history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ProactiveJobs handles GET /api/jobs/proactive.
func (h *Handlers) ProactiveJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": h.proactive.Jobs()})
}

// TriggerProactiveJob handles POST /api/jobs/proactive/{id}/trigger?force=true.
func (h *Handlers) TriggerProactiveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	result, err := h.proactive.TriggerJob(r.Context(), id, force)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// NoteActivity handles POST /api/activity. Interactive surfaces call this on
// every user interaction so background work yields promptly.
func (h *Handlers) NoteActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		HoldMs int    `json:"holdMs"`
	}
	// Body is optional; an empty POST still registers activity.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Source == "" {
		req.Source = "api"
	}

	h.dispatcher.NoteUserActivity(req.Source, req.HoldMs)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// ManualTick handles POST /api/heartbeat/tick.
func (h *Handlers) ManualTick(w http.ResponseWriter, r *http.Request) {
	result := h.heartbeat.Tick(r.Context(), "manual")
	writeJSON(w, http.StatusOK, result)
}

// ListBackups handles GET /api/backups.
func (h *Handlers) ListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil || !h.backups.Enabled() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": false,
			"backups": []interface{}{},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	backups, err := h.backups.ListBackups(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		writeError(w, http.StatusBadGateway, "failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"backups": backups,
	})
}

// systemUsage samples CPU and RAM. 100ms sample keeps the status call fast.
func systemUsage(log zerolog.Logger) (float64, float64) {
	cpuPct := 0.0
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	} else if err != nil {
		log.Warn().Err(err).Msg("Failed to sample CPU usage")
	}

	ramPct := 0.0
	if stat, err := mem.VirtualMemory(); err == nil {
		ramPct = stat.UsedPercent
	} else {
		log.Warn().Err(err).Msg("Failed to read memory statistics")
	}
	return cpuPct, ramPct
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return defaultValue
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
