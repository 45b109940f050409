package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultMaxSamples = 1000
	defaultStaleAfter = time.Minute
)

// Category names used by the gateway.
const (
	CategoryOrder        = "order"
	CategoryMarketData   = "market_data"
	CategoryDistribution = "distribution"
	CategoryExchange     = "exchange"
)

// Key identifies a latency series.
type Key struct {
	Category  string `json:"category"`
	Operation string `json:"operation"`
}

// Config controls metrics construction.
type Config struct {
	// MaxSamples bounds the rolling window kept per key.
	MaxSamples int
	// StaleAfter drops started measurements that never ended.
	StaleAfter time.Duration
	// Registerer exports the metrics to prometheus when set.
	Registerer prometheus.Registerer
	Clock      func() time.Time
}

type measurement struct {
	key   Key
	start time.Time
}

// Metrics collects latency samples and counters. A nil *Metrics is a valid
// no-op collector, and no method ever returns an error to the caller.
type Metrics struct {
	cfg    Config
	tokens *TokenGenerator
	export *exporter

	mu         sync.Mutex
	active     map[Token]measurement
	windows    map[Key]*window
	marketData map[string]uint64
	lastUpdate time.Time
}

// New allocates a metrics collector.
func New(cfg Config) *Metrics {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = defaultMaxSamples
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Metrics{
		cfg:        cfg,
		tokens:     NewTokenGenerator(),
		export:     newExporter(cfg.Registerer),
		active:     make(map[Token]measurement),
		windows:    make(map[Key]*window),
		marketData: make(map[string]uint64),
		lastUpdate: cfg.Clock(),
	}
}

// StartMeasurement starts timing an operation and returns its token.
func (m *Metrics) StartMeasurement(category, operation string) Token {
	if m == nil {
		return 0
	}
	token := m.tokens.Next()
	start := m.cfg.Clock()

	m.mu.Lock()
	m.active[token] = measurement{key: Key{Category: category, Operation: operation}, start: start}
	m.mu.Unlock()
	return token
}

// EndMeasurement records the elapsed time of a started measurement. Unknown
// tokens are ignored.
func (m *Metrics) EndMeasurement(token Token) {
	if m == nil {
		return
	}
	end := m.cfg.Clock()

	m.mu.Lock()
	entry, ok := m.active[token]
	if ok {
		delete(m.active, token)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	elapsed := end.Sub(entry.start)
	m.RecordLatency(entry.key.Category, entry.key.Operation, Millis(elapsed))
}

// Measure starts a measurement and returns the function ending it.
//
//	defer m.Measure(telemetry.CategoryOrder, "place")()
func (m *Metrics) Measure(category, operation string) func() {
	token := m.StartMeasurement(category, operation)
	return func() { m.EndMeasurement(token) }
}

// RecordLatency records a latency sample in milliseconds.
func (m *Metrics) RecordLatency(category, operation string, ms float64) {
	if m == nil || ms < 0 {
		return
	}
	key := Key{Category: category, Operation: operation}

	m.mu.Lock()
	w, ok := m.windows[key]
	if !ok {
		w = newWindow(m.cfg.MaxSamples)
		m.windows[key] = w
	}
	w.add(ms)
	m.mu.Unlock()

	m.export.observe(key, ms)
}

// RecordMarketDataUpdate counts one market data update of the instrument.
func (m *Metrics) RecordMarketDataUpdate(instrument string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.marketData[instrument]++
	m.mu.Unlock()

	m.export.incMarketData(instrument)
}

func (m *Metrics) RecordOrderPlacement(instrument string, ms float64) {
	m.RecordLatency(CategoryOrder, "place."+instrument, ms)
}

func (m *Metrics) RecordOrderCancellation(instrument string, ms float64) {
	m.RecordLatency(CategoryOrder, "cancel."+instrument, ms)
}

func (m *Metrics) RecordOrderModification(instrument string, ms float64) {
	m.RecordLatency(CategoryOrder, "modify."+instrument, ms)
}

// GetLatencyMetrics summarizes the rolling window of the key.
func (m *Metrics) GetLatencyMetrics(category, operation string) LatencyMetric {
	if m == nil {
		return LatencyMetric{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[Key{Category: category, Operation: operation}]
	if !ok {
		return LatencyMetric{}
	}
	return w.metric()
}

// MarketDataUpdates returns the update count of the instrument.
func (m *Metrics) MarketDataUpdates(instrument string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marketData[instrument]
}

// ActiveMeasurements returns the number of started measurements not yet ended.
func (m *Metrics) ActiveMeasurements() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Update drops stale measurements. It is called periodically by the owner.
func (m *Metrics) Update() {
	if m == nil {
		return
	}
	now := m.cfg.Clock()

	m.mu.Lock()
	dropped := 0
	for token, entry := range m.active {
		if now.Sub(entry.start) > m.cfg.StaleAfter {
			delete(m.active, token)
			dropped++
		}
	}
	m.lastUpdate = now
	m.mu.Unlock()

	m.export.stale(dropped)
}

// Reset clears every sample, counter and active measurement.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.active = make(map[Token]measurement)
	m.windows = make(map[Key]*window)
	m.marketData = make(map[string]uint64)
	m.lastUpdate = m.cfg.Clock()
	m.mu.Unlock()
}

// Snapshot captures the current values for reporting.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	latency := make([]KeyLatency, 0, len(m.windows))
	for key, w := range m.windows {
		total := w.total.Snapshot()
		latency = append(latency, KeyLatency{
			Key:           key,
			Window:        w.metric(),
			LifetimeCount: total.Count,
			LifetimeAvgMs: Millis(total.Avg),
			LifetimeMaxMs: Millis(total.Max),
		})
	}
	sort.Slice(latency, func(i, j int) bool {
		if latency[i].Category != latency[j].Category {
			return latency[i].Category < latency[j].Category
		}
		return latency[i].Operation < latency[j].Operation
	})

	marketData := make(map[string]uint64, len(m.marketData))
	for instrument, n := range m.marketData {
		marketData[instrument] = n
	}

	return Snapshot{
		GeneratedAt:        m.cfg.Clock(),
		LastUpdate:         m.lastUpdate,
		Latency:            latency,
		MarketDataUpdates:  marketData,
		ActiveMeasurements: len(m.active),
	}
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
