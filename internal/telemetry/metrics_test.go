package telemetry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func TestMeasurement(t *testing.T) {
	clock := newFakeClock()
	m := New(Config{Clock: clock.Now})

	token := m.StartMeasurement(CategoryOrder, "place")
	require.NotZero(t, token)
	require.Equal(t, 1, m.ActiveMeasurements())

	clock.Advance(15 * time.Millisecond)
	m.EndMeasurement(token)
	m.EndMeasurement(token)
	m.EndMeasurement(Token(999))

	got := m.GetLatencyMetrics(CategoryOrder, "place")
	assert.Equal(t, 1, got.Count)
	assert.InDelta(t, 15.0, got.Min, 1e-9)
	assert.InDelta(t, 15.0, got.P99, 1e-9)
	assert.Zero(t, m.ActiveMeasurements())
}

func TestMeasure(t *testing.T) {
	clock := newFakeClock()
	m := New(Config{Clock: clock.Now})

	func() {
		defer m.Measure(CategoryDistribution, "broadcast")()
		clock.Advance(2 * time.Millisecond)
	}()

	got := m.GetLatencyMetrics(CategoryDistribution, "broadcast")
	assert.Equal(t, 1, got.Count)
	assert.InDelta(t, 2.0, got.Avg, 1e-9)
}

func TestPercentiles(t *testing.T) {
	m := New(Config{})
	for i := 100; i >= 1; i-- {
		m.RecordLatency(CategoryExchange, "auth", float64(i))
	}
	m.RecordLatency(CategoryExchange, "auth", -1)

	got := m.GetLatencyMetrics(CategoryExchange, "auth")
	assert.Equal(t, LatencyMetric{Count: 100, Min: 1, Max: 100, Avg: 50.5, P50: 50, P90: 90, P99: 99}, got)
	assert.Equal(t, LatencyMetric{}, m.GetLatencyMetrics(CategoryExchange, "unknown"))
}

func TestRollingWindow(t *testing.T) {
	m := New(Config{MaxSamples: 3})
	for _, v := range []float64{100, 1, 2, 3} {
		m.RecordLatency(CategoryOrder, "cancel", v)
	}

	got := m.GetLatencyMetrics(CategoryOrder, "cancel")
	assert.Equal(t, 3, got.Count)
	assert.Equal(t, 1.0, got.Min)
	assert.Equal(t, 3.0, got.Max)

	snap := m.Snapshot()
	require.Len(t, snap.Latency, 1)
	assert.Equal(t, uint64(4), snap.Latency[0].LifetimeCount)
	assert.InDelta(t, 100.0, snap.Latency[0].LifetimeMaxMs, 1e-6)
}

func TestOrderHelpersAndMarketData(t *testing.T) {
	m := New(Config{})
	m.RecordOrderPlacement("BTC-PERPETUAL", 5)
	m.RecordOrderCancellation("BTC-PERPETUAL", 6)
	m.RecordOrderModification("ETH-PERPETUAL", 7)
	m.RecordMarketDataUpdate("BTC-PERPETUAL")
	m.RecordMarketDataUpdate("BTC-PERPETUAL")

	assert.Equal(t, 1, m.GetLatencyMetrics(CategoryOrder, "place.BTC-PERPETUAL").Count)
	assert.Equal(t, 1, m.GetLatencyMetrics(CategoryOrder, "cancel.BTC-PERPETUAL").Count)
	assert.Equal(t, 1, m.GetLatencyMetrics(CategoryOrder, "modify.ETH-PERPETUAL").Count)
	assert.Equal(t, uint64(2), m.MarketDataUpdates("BTC-PERPETUAL"))

	snap := m.Snapshot()
	require.Len(t, snap.Latency, 3)
	assert.Equal(t, "cancel.BTC-PERPETUAL", snap.Latency[0].Operation)
	assert.Equal(t, "modify.ETH-PERPETUAL", snap.Latency[1].Operation)
	assert.Equal(t, "place.BTC-PERPETUAL", snap.Latency[2].Operation)
}

func TestUpdateDropsStaleMeasurements(t *testing.T) {
	clock := newFakeClock()
	m := New(Config{Clock: clock.Now, StaleAfter: time.Second})

	stale := m.StartMeasurement(CategoryOrder, "place")
	clock.Advance(900 * time.Millisecond)
	fresh := m.StartMeasurement(CategoryOrder, "place")
	clock.Advance(200 * time.Millisecond)

	m.Update()
	assert.Equal(t, 1, m.ActiveMeasurements())

	m.EndMeasurement(stale)
	m.EndMeasurement(fresh)
	assert.Equal(t, 1, m.GetLatencyMetrics(CategoryOrder, "place").Count)
	assert.Equal(t, clock.now, m.Snapshot().LastUpdate)
}

func TestReset(t *testing.T) {
	m := New(Config{})
	m.RecordLatency(CategoryOrder, "place", 1)
	m.RecordMarketDataUpdate("BTC-PERPETUAL")
	m.StartMeasurement(CategoryOrder, "place")

	m.Reset()

	assert.Equal(t, LatencyMetric{}, m.GetLatencyMetrics(CategoryOrder, "place"))
	assert.Zero(t, m.MarketDataUpdates("BTC-PERPETUAL"))
	assert.Zero(t, m.ActiveMeasurements())
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	token := m.StartMeasurement(CategoryOrder, "place")
	m.EndMeasurement(token)
	m.Measure(CategoryOrder, "place")()
	m.RecordLatency(CategoryOrder, "place", 1)
	m.RecordMarketDataUpdate("BTC-PERPETUAL")
	m.RecordOrderPlacement("BTC-PERPETUAL", 1)
	m.Update()
	m.Reset()
	assert.Zero(t, token)
	assert.Equal(t, Snapshot{}, m.Snapshot())
	assert.NoError(t, m.Report(filepath.Join(t.TempDir(), "report.json")))
}

func TestReport(t *testing.T) {
	clock := newFakeClock()
	m := New(Config{Clock: clock.Now})
	m.RecordLatency(CategoryOrder, "place", 3)
	m.RecordMarketDataUpdate("ETH-PERPETUAL")

	path := filepath.Join(t.TempDir(), "reports", "performance_report.json")
	require.NoError(t, m.Report(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got struct {
		Latency []struct {
			Category  string `json:"category"`
			Operation string `json:"operation"`
			Window    struct {
				Count int     `json:"count"`
				P50   float64 `json:"p50"`
			} `json:"window"`
		} `json:"latency"`
		MarketDataUpdates map[string]uint64 `json:"marketDataUpdates"`
	}
	require.NoError(t, sonic.Unmarshal(data, &got))
	require.Len(t, got.Latency, 1)
	assert.Equal(t, CategoryOrder, got.Latency[0].Category)
	assert.Equal(t, "place", got.Latency[0].Operation)
	assert.Equal(t, 1, got.Latency[0].Window.Count)
	assert.Equal(t, 3.0, got.Latency[0].Window.P50)
	assert.Equal(t, uint64(1), got.MarketDataUpdates["ETH-PERPETUAL"])
}

func TestPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Registerer: reg})

	m.RecordLatency(CategoryOrder, "place", 1)
	m.RecordLatency(CategoryOrder, "place", 2)
	m.RecordMarketDataUpdate("BTC-PERPETUAL")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.export.marketData.WithLabelValues("BTC-PERPETUAL")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.export.latency))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "gateway_latency_milliseconds")
	assert.Contains(t, names, "gateway_market_data_updates_total")

	// a second collector on the same registry only logs the conflict
	require.NotPanics(t, func() { New(Config{Registerer: reg}).RecordLatency(CategoryOrder, "place", 1) })
}
