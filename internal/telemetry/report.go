package telemetry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// KeyLatency is the report entry of one latency series.
type KeyLatency struct {
	Key
	Window        LatencyMetric `json:"window"`
	LifetimeCount uint64        `json:"lifetimeCount"`
	LifetimeAvgMs float64       `json:"lifetimeAvgMs"`
	LifetimeMaxMs float64       `json:"lifetimeMaxMs"`
}

// Snapshot is a point-in-time view of every collected value.
type Snapshot struct {
	GeneratedAt        time.Time         `json:"generatedAt"`
	LastUpdate         time.Time         `json:"lastUpdate"`
	Latency            []KeyLatency      `json:"latency"`
	MarketDataUpdates  map[string]uint64 `json:"marketDataUpdates"`
	ActiveMeasurements int               `json:"activeMeasurements"`
}

// Report writes the current snapshot to path as indented JSON.
func (m *Metrics) Report(path string) error {
	if m == nil {
		return nil
	}
	data, err := sonic.ConfigStd.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal telemetry report")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create report dir %s", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write telemetry report %s", path)
	}
	logs.Infof("telemetry report written to %s", path)
	return nil
}
