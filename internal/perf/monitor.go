// Package perf times entity operations and raises alerts when an operation
// exceeds its latency threshold.
package perf

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Operation names a timed operation.
type Operation string

const (
	OpCreate       Operation = "create"
	OpGet          Operation = "get"
	OpUpdate       Operation = "update"
	OpMove         Operation = "move"
	OpDelete       Operation = "delete"
	OpSubtree      Operation = "subtree"
	OpChildren     Operation = "children"
	OpVectorSearch Operation = "vector_search"
	OpHybridSearch Operation = "hybrid_search"
	OpImage        Operation = "image"
	OpRebuild      Operation = "rebuild"
	OpVerify       Operation = "verify"
)

// Thresholds are the latency limits per operation class.
type Thresholds struct {
	Create time.Duration `yaml:"create"`
	Get    time.Duration `yaml:"get"`
	Search time.Duration `yaml:"search"`
	Image  time.Duration `yaml:"image"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Create: time.Second,
		Get:    500 * time.Millisecond,
		Search: 2 * time.Second,
		Image:  5 * time.Second,
	}
}

// For returns the threshold that applies to op.
func (t Thresholds) For(op Operation) time.Duration {
	switch op {
	case OpCreate, OpUpdate, OpMove, OpDelete:
		return t.Create
	case OpGet, OpChildren, OpSubtree:
		return t.Get
	case OpImage:
		return t.Image
	default:
		return t.Search
	}
}

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert reports one operation that ran past its threshold.
type Alert struct {
	Operation Operation
	Threshold time.Duration
	Actual    time.Duration
	Severity  Severity
	At        time.Time
	Message   string
}

// Stats aggregates the recorded runs of one operation. Count, Success,
// Failed, Avg, Min and Max cover every run; P95 and P99 cover the most
// recent Window runs.
type Stats struct {
	Operation Operation
	Count     uint64
	Success   uint64
	Failed    uint64

	// ErrorRate is the percentage of failed runs.
	ErrorRate float64

	Avg, Min, Max time.Duration
	P95, P99      time.Duration

	LastUpdated time.Time
}

// Summary is a snapshot across all operations.
type Summary struct {
	TotalOperations uint64
	TotalErrors     uint64
	ErrorRate       float64
	AvgResponse     time.Duration
	ByOperation     map[Operation]Stats
	RecentAlerts    []Alert
	GeneratedAt     time.Time
}

// Options configures a Monitor.
type Options struct {
	Thresholds Thresholds

	// DisableAlerts turns off threshold checks.
	DisableAlerts bool

	// Window is how many recent durations per operation feed the
	// percentiles. Default: 1024
	Window int

	// MaxAlerts bounds the retained alert history. Default: 100
	MaxAlerts int

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Normalize applies defaults.
func (o *Options) Normalize() {
	d := DefaultThresholds()
	if o.Thresholds.Create <= 0 {
		o.Thresholds.Create = d.Create
	}
	if o.Thresholds.Get <= 0 {
		o.Thresholds.Get = d.Get
	}
	if o.Thresholds.Search <= 0 {
		o.Thresholds.Search = d.Search
	}
	if o.Thresholds.Image <= 0 {
		o.Thresholds.Image = d.Image
	}
	if o.Window <= 0 {
		o.Window = 1024
	}
	if o.MaxAlerts <= 0 {
		o.MaxAlerts = 100
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type series struct {
	count, success uint64
	total          time.Duration
	min, max       time.Duration
	recent         []time.Duration
	next           int
	last           time.Time
}

// Monitor records operation timings. It is safe for concurrent use. A nil
// *Monitor records nothing.
type Monitor struct {
	opts Options

	mu     sync.Mutex
	series map[Operation]*series
	alerts []Alert
}

// NewMonitor returns an empty Monitor.
func NewMonitor(opts Options) *Monitor {
	opts.Normalize()
	return &Monitor{opts: opts, series: make(map[Operation]*series)}
}

// Track starts timing op and returns the function that records it. Pass a
// pointer to the operation's named error result:
//
//	defer m.Track(perf.OpGet)(&err)
func (m *Monitor) Track(op Operation) func(errp *error) {
	if m == nil {
		return func(*error) {}
	}
	start := m.opts.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		m.Record(op, m.opts.Now().Sub(start), err)
	}
}

// Record adds one run of op.
func (m *Monitor) Record(op Operation, d time.Duration, err error) {
	if m == nil {
		return
	}
	now := m.opts.Now()

	m.mu.Lock()
	s, ok := m.series[op]
	if !ok {
		s = &series{min: d, max: d}
		m.series[op] = s
	}
	s.count++
	if err == nil {
		s.success++
	}
	s.total += d
	s.min = min(s.min, d)
	s.max = max(s.max, d)
	if len(s.recent) < m.opts.Window {
		s.recent = append(s.recent, d)
	} else {
		s.recent[s.next] = d
		s.next = (s.next + 1) % m.opts.Window
	}
	s.last = now

	var alert *Alert
	if !m.opts.DisableAlerts {
		if limit := m.opts.Thresholds.For(op); d > limit {
			a := Alert{
				Operation: op,
				Threshold: limit,
				Actual:    d,
				Severity:  SeverityWarning,
				At:        now,
				Message:   fmt.Sprintf("%s operation took %v, exceeding threshold of %v", op, d, limit),
			}
			if d > 2*limit {
				a.Severity = SeverityCritical
			}
			m.alerts = append(m.alerts, a)
			if len(m.alerts) > m.opts.MaxAlerts {
				m.alerts = slices.Delete(m.alerts, 0, len(m.alerts)-m.opts.MaxAlerts)
			}
			alert = &a
		}
	}
	m.mu.Unlock()

	if alert != nil {
		m.opts.Logger.Warn("perf: operation exceeded threshold",
			"operation", op, "duration", d, "threshold", alert.Threshold, "severity", alert.Severity)
	}
}

// Stats returns the aggregate for op.
func (m *Monitor) Stats(op Operation) (Stats, bool) {
	if m == nil {
		return Stats{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[op]
	if !ok {
		return Stats{}, false
	}
	return s.stats(op), true
}

// All returns the aggregate of every recorded operation.
func (m *Monitor) All() map[Operation]Stats {
	out := map[Operation]Stats{}
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for op, s := range m.series {
		out[op] = s.stats(op)
	}
	return out
}

// Alerts returns up to limit alerts, most recent first. A non-positive
// limit returns all of them.
func (m *Monitor) Alerts(limit int) []Alert {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := slices.Clone(m.alerts)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AlertsSince returns the alerts raised after t, oldest first.
func (m *Monitor) AlertsSince(t time.Time) []Alert {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, a := range m.alerts {
		if a.At.After(t) {
			out = append(out, a)
		}
	}
	return out
}

// Summary aggregates every operation. AvgResponse is the mean of the
// per-operation averages.
func (m *Monitor) Summary() Summary {
	sum := Summary{ByOperation: m.All(), RecentAlerts: m.Alerts(10)}
	if m != nil {
		sum.GeneratedAt = m.opts.Now()
	}

	var avgTotal time.Duration
	for _, s := range sum.ByOperation {
		sum.TotalOperations += s.Count
		sum.TotalErrors += s.Failed
		avgTotal += s.Avg
	}
	if sum.TotalOperations > 0 {
		sum.ErrorRate = float64(sum.TotalErrors) / float64(sum.TotalOperations) * 100
	}
	if n := len(sum.ByOperation); n > 0 {
		sum.AvgResponse = avgTotal / time.Duration(n)
	}
	return sum
}

// Reset drops all recorded runs and alerts.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.series = make(map[Operation]*series)
	m.alerts = nil
}

func (s *series) stats(op Operation) Stats {
	st := Stats{
		Operation:   op,
		Count:       s.count,
		Success:     s.success,
		Failed:      s.count - s.success,
		Min:         s.min,
		Max:         s.max,
		LastUpdated: s.last,
	}
	if s.count > 0 {
		st.Avg = s.total / time.Duration(s.count)
		st.ErrorRate = float64(st.Failed) / float64(s.count) * 100
	}
	sorted := slices.Clone(s.recent)
	slices.Sort(sorted)
	st.P95 = percentile(sorted, 0.95)
	st.P99 = percentile(sorted, 0.99)
	return st
}

// percentile picks the value at floor(n*p) of an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * p)
	return sorted[min(i, len(sorted)-1)]
}
