package volatility

import (
	"time"

	"github.com/StrathCole/oracle-client/pkg/config"
)

// Window is a lookback period for change and volatility statistics.
type Window string

const (
	Window1h  Window = "1h"
	Window24h Window = "24h"
	Window7d  Window = "7d"
)

// Windows lists the supported windows, shortest first.
var Windows = []Window{Window1h, Window24h, Window7d}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	}
	return 0
}

// ParseWindow parses "1h", "24h" or "7d".
func ParseWindow(s string) (Window, error) {
	switch w := Window(s); w {
	case Window1h, Window24h, Window7d:
		return w, nil
	}
	return "", ErrUnknownWindow
}

// Point is one observed price.
type Point struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// WindowStats holds one value per window.
type WindowStats struct {
	H1  float64 `json:"1h"`
	H24 float64 `json:"24h"`
	D7  float64 `json:"7d"`
}

// Get returns the value for w.
func (s WindowStats) Get(w Window) float64 {
	switch w {
	case Window1h:
		return s.H1
	case Window24h:
		return s.H24
	case Window7d:
		return s.D7
	}
	return 0
}

func (s *WindowStats) set(w Window, v float64) {
	switch w {
	case Window1h:
		s.H1 = v
	case Window24h:
		s.H24 = v
	case Window7d:
		s.D7 = v
	}
}

// Snapshot is the computed statistics for one symbol. PriceChange is in
// percent; Volatility is the annualized stdev of returns in percent.
type Snapshot struct {
	Symbol       string      `json:"symbol"`
	CurrentPrice float64     `json:"current_price"`
	PriceChange  WindowStats `json:"price_change"`
	Volatility   WindowStats `json:"volatility"`
	StdDev       float64     `json:"std_dev"`
	Average24h   float64     `json:"average_24h"`
	High24h      float64     `json:"high_24h"`
	Low24h       float64     `json:"low_24h"`
	Timestamp    time.Time   `json:"timestamp"`
	SampleCount  int         `json:"sample_count"`
}

// AlertType classifies an alert.
type AlertType string

const (
	AlertVolatility AlertType = "volatility"
	AlertSpike      AlertType = "spike"
	AlertDrop       AlertType = "drop"
)

// Severity grades an alert.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a discrete threshold crossing. Alerts are events; the monitor
// does not deduplicate them.
type Alert struct {
	Symbol    string    `json:"symbol"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Window    Window    `json:"window"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertHandler receives alerts. Handlers run synchronously on the goroutine
// that produced the snapshot.
type AlertHandler func(Alert)

// Summary is an aggregate view over all tracked symbols.
type Summary struct {
	Symbols      int     `json:"symbols"`
	Points       int     `json:"points"`
	Critical     int     `json:"critical"`
	High         int     `json:"high"`
	Medium       int     `json:"medium"`
	MostVolatile string  `json:"most_volatile,omitempty"`
	MaxVol24h    float64 `json:"max_volatility_24h"`
}

// Thresholds configures alerting. Volatility levels apply to the 24h
// window; SpikePercent and DropPercent apply to the 24h price change.
type Thresholds struct {
	Critical     float64
	High         float64
	Medium       float64
	SpikePercent float64
	DropPercent  float64
}

// Config configures the monitor.
type Config struct {
	HistorySize int
	Thresholds  Thresholds
}

// DefaultConfig returns seven days of one-minute history and the default
// thresholds.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Volatility)
}

// ConfigFrom converts the YAML volatility section.
func ConfigFrom(vc config.VolatilityConfig) Config {
	return Config{
		HistorySize: vc.HistorySize,
		Thresholds: Thresholds{
			Critical:     vc.Critical,
			High:         vc.High,
			Medium:       vc.Medium,
			SpikePercent: vc.SpikePercent,
			DropPercent:  vc.DropPercent,
		},
	}
}
