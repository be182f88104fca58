package volatility

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/metrics"
	"github.com/StrathCole/oracle-client/pkg/sources"
)

// Monitor tracks price history and volatility per symbol. It is safe for
// concurrent use.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	logger *logging.Logger

	mu        sync.RWMutex
	history   map[string][]Point
	snapshots map[string]Snapshot

	handlersMu sync.RWMutex
	handlers   []AlertHandler
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config, clk clock.Clock, logger *logging.Logger) *Monitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10080
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		history:   make(map[string][]Point),
		snapshots: make(map[string]Snapshot),
	}
}

// OnAlert registers an alert handler.
func (m *Monitor) OnAlert(h AlertHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// AddQuote records a served quote.
func (m *Monitor) AddQuote(q sources.Quote) error {
	price, _ := q.Price.Float64()
	return m.AddPoint(q.Symbol, price, q.Timestamp)
}

// AddPoint inserts a price in timestamp order, drops the oldest point beyond
// the history bound, recomputes the snapshot and raises any alerts.
func (m *Monitor) AddPoint(symbol string, price float64, ts time.Time) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	symbol = sources.NormalizeSymbol(symbol)
	now := m.clock.Now()

	m.mu.Lock()
	points := m.history[symbol]
	// Equal timestamps keep arrival order.
	i := sort.Search(len(points), func(i int) bool { return points[i].Timestamp.After(ts) })
	points = append(points, Point{})
	copy(points[i+1:], points[i:])
	points[i] = Point{Price: price, Timestamp: ts}
	if over := len(points) - m.cfg.HistorySize; over > 0 {
		points = append(points[:0:0], points[over:]...)
	}
	m.history[symbol] = points
	snap := m.storeLocked(symbol, now)
	m.mu.Unlock()

	m.dispatch(m.evaluate(snap))
	return nil
}

// Snapshot computes the statistics for symbol as of now.
func (m *Monitor) Snapshot(symbol string) (Snapshot, bool) {
	symbol = sources.NormalizeSymbol(symbol)
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	points, ok := m.history[symbol]
	if !ok || len(points) == 0 {
		return Snapshot{}, false
	}
	return compute(symbol, points, now), true
}

// Rank returns snapshots for every symbol, most volatile first in window w.
func (m *Monitor) Rank(w Window) []Snapshot {
	now := m.clock.Now()

	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.history))
	for symbol, points := range m.history {
		out = append(out, compute(symbol, points, now))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		vi, vj := out[i].Volatility.Get(w), out[j].Volatility.Get(w)
		if vi != vj {
			return vi > vj
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// RefreshAll recomputes every snapshot as of now so windows slide even
// without new points, and raises alerts on the results.
func (m *Monitor) RefreshAll() int {
	now := m.clock.Now()

	m.mu.Lock()
	snaps := make([]Snapshot, 0, len(m.history))
	for symbol := range m.history {
		snaps = append(snaps, m.storeLocked(symbol, now))
	}
	m.mu.Unlock()

	var alerts []Alert
	for _, s := range snaps {
		alerts = append(alerts, m.evaluate(s)...)
	}
	m.dispatch(alerts)
	return len(snaps)
}

// Symbols returns the tracked symbols, sorted.
func (m *Monitor) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.history))
	for s := range m.history {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// History returns a copy of the stored points for symbol.
func (m *Monitor) History(symbol string) []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := m.history[sources.NormalizeSymbol(symbol)]
	out := make([]Point, len(points))
	copy(out, points)
	return out
}

// Summary aggregates the last computed snapshots.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := Summary{Symbols: len(m.history)}
	for _, points := range m.history {
		sum.Points += len(points)
	}
	for symbol, s := range m.snapshots {
		v := s.Volatility.H24
		switch m.level(v) {
		case SeverityCritical:
			sum.Critical++
		case SeverityHigh:
			sum.High++
		case SeverityMedium:
			sum.Medium++
		}
		if v > sum.MaxVol24h || (v == sum.MaxVol24h && v > 0 && symbol < sum.MostVolatile) {
			sum.MaxVol24h = v
			sum.MostVolatile = symbol
		}
	}
	return sum
}

func (m *Monitor) storeLocked(symbol string, now time.Time) Snapshot {
	snap := compute(symbol, m.history[symbol], now)
	m.snapshots[symbol] = snap
	for _, w := range Windows {
		metrics.RecordVolatility(symbol, string(w), snap.Volatility.Get(w))
	}
	return snap
}

func (m *Monitor) level(vol float64) Severity {
	t := m.cfg.Thresholds
	switch {
	case t.Critical > 0 && vol >= t.Critical:
		return SeverityCritical
	case t.High > 0 && vol >= t.High:
		return SeverityHigh
	case t.Medium > 0 && vol >= t.Medium:
		return SeverityMedium
	}
	return ""
}

// evaluate returns the alerts a snapshot triggers.
func (m *Monitor) evaluate(s Snapshot) []Alert {
	var alerts []Alert
	t := m.cfg.Thresholds

	vol := s.Volatility.H24
	if sev := m.level(vol); sev != "" {
		threshold := t.Medium
		switch sev {
		case SeverityCritical:
			threshold = t.Critical
		case SeverityHigh:
			threshold = t.High
		}
		alerts = append(alerts, Alert{
			Symbol: s.Symbol, Type: AlertVolatility, Severity: sev, Window: Window24h,
			Value: vol, Threshold: threshold, Timestamp: s.Timestamp,
		})
	}

	change := s.PriceChange.H24
	switch {
	case t.SpikePercent > 0 && change >= t.SpikePercent:
		alerts = append(alerts, Alert{
			Symbol: s.Symbol, Type: AlertSpike, Severity: SeverityHigh, Window: Window24h,
			Value: change, Threshold: t.SpikePercent, Timestamp: s.Timestamp,
		})
	case t.DropPercent > 0 && change <= -t.DropPercent:
		alerts = append(alerts, Alert{
			Symbol: s.Symbol, Type: AlertDrop, Severity: SeverityHigh, Window: Window24h,
			Value: change, Threshold: -t.DropPercent, Timestamp: s.Timestamp,
		})
	}
	return alerts
}

func (m *Monitor) dispatch(alerts []Alert) {
	if len(alerts) == 0 {
		return
	}

	m.handlersMu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, a := range alerts {
		metrics.RecordAlert(a.Symbol, string(a.Type), string(a.Severity))
		m.logger.Debug("Price alert",
			"symbol", a.Symbol,
			"type", string(a.Type),
			"severity", string(a.Severity),
			"value", a.Value,
			"threshold", a.Threshold)
		for _, h := range handlers {
			h(a)
		}
	}
}
