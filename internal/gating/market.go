package gating

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Default market gate thresholds.
const (
	MarketCooldown      = 1 * time.Hour
	MarketStaleness     = 6 * time.Hour
	MarketMinMovePct    = 2.0
	MarketTokenEstimate = 4000
)

// minDispersionSamples is how many recent moves are needed before the
// materiality threshold adapts to observed volatility.
const minDispersionSamples = 8

// MarketModuleOptions overrides the default market thresholds.
type MarketModuleOptions struct {
	Cooldown        time.Duration
	Staleness       time.Duration
	MinMovePct      float64
	EstimatedTokens int64
}

// MarketModule gates deferred market analysis. A move is material when the
// position unrealized P/L% or the lead ticker change drifts from the baseline
// by more than the threshold. With enough recent-move samples in the collector
// summary, the threshold widens to two standard deviations of those moves so
// routine volatility does not trigger escalations.
type MarketModule struct {
	cooldown   time.Duration
	staleness  time.Duration
	minMovePct float64
	tokens     int64
}

// NewMarketModule creates the market gate module. Zero options use defaults.
func NewMarketModule(opts MarketModuleOptions) *MarketModule {
	m := &MarketModule{
		cooldown:   MarketCooldown,
		staleness:  MarketStaleness,
		minMovePct: MarketMinMovePct,
		tokens:     MarketTokenEstimate,
	}
	if opts.Cooldown > 0 {
		m.cooldown = opts.Cooldown
	}
	if opts.Staleness > 0 {
		m.staleness = opts.Staleness
	}
	if opts.MinMovePct > 0 {
		m.minMovePct = opts.MinMovePct
	}
	if opts.EstimatedTokens > 0 {
		m.tokens = opts.EstimatedTokens
	}
	return m
}

// Domain implements DomainModule.
func (m *MarketModule) Domain() string { return "market" }

// Cooldown implements DomainModule.
func (m *MarketModule) Cooldown() time.Duration { return m.cooldown }

// Staleness implements DomainModule.
func (m *MarketModule) Staleness() time.Duration { return m.staleness }

// EstimatedTokens implements DomainModule.
func (m *MarketModule) EstimatedTokens() int64 { return m.tokens }

// Materiality implements DomainModule. The summary fields come from the
// collector-mode run: unrealizedPlPct, tickerChangePct and optionally
// recentMovesPct (history of recent ticker moves).
func (m *MarketModule) Materiality(baseline map[string]float64, summary map[string]interface{}) (bool, map[string]float64) {
	snapshot := map[string]float64{
		"unrealized_pl_pct": floatField(summary, "unrealizedPlPct"),
		"ticker_change_pct": floatField(summary, "tickerChangePct"),
	}

	if baseline == nil {
		// Nothing to compare against yet; record the snapshot and wait.
		return false, snapshot
	}

	threshold := m.threshold(summary)
	for field, current := range snapshot {
		if math.Abs(current-baseline[field]) >= threshold {
			return true, snapshot
		}
	}
	return false, snapshot
}

// threshold returns the move size considered material: the configured floor,
// widened to 2 sigma of recent moves when enough samples are available.
func (m *MarketModule) threshold(summary map[string]interface{}) float64 {
	moves := floatSlice(summary, "recentMovesPct")
	if len(moves) < minDispersionSamples {
		return m.minMovePct
	}

	mean := stat.Mean(moves, nil)
	sigma := stat.StdDev(moves, nil)
	adaptive := math.Abs(mean) + 2*sigma
	if adaptive > m.minMovePct {
		return adaptive
	}
	return m.minMovePct
}

// floatField reads a numeric summary field, tolerating the types JSON
// round-tripping produces.
func floatField(summary map[string]interface{}, key string) float64 {
	if summary == nil {
		return 0
	}
	switch v := summary[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// floatSlice reads a numeric slice summary field.
func floatSlice(summary map[string]interface{}, key string) []float64 {
	if summary == nil {
		return nil
	}
	switch v := summary[key].(type) {
	case []float64:
		return v
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			if f, ok := item.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}
