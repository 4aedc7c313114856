package saga

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// maxDurationSamples bounds the sample window used for duration summaries.
const maxDurationSamples = 1024

// Metrics counts orchestrator activity and renders it in the Prometheus text
// exposition format.
type Metrics struct {
	mu                  sync.RWMutex
	started             map[string]float64
	completed           map[string]float64
	failed              map[string]float64
	resumed             map[string]float64
	cancelled           map[string]float64
	aborted             map[string]float64
	compensationsRun    map[string]float64
	compensationsFailed map[string]float64
	durations           []float64
	durationSum         float64
	durationCount       float64
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		started:             map[string]float64{},
		completed:           map[string]float64{},
		failed:              map[string]float64{},
		resumed:             map[string]float64{},
		cancelled:           map[string]float64{},
		aborted:             map[string]float64{},
		compensationsRun:    map[string]float64{},
		compensationsFailed: map[string]float64{},
	}
}

// ObserveStarted counts a saga passed to Start.
func (m *Metrics) ObserveStarted(sagaName string) {
	m.inc(func(m *Metrics) map[string]float64 { return m.started }, sagaName)
}

// ObserveResumed counts a resume attempt.
func (m *Metrics) ObserveResumed(sagaName string) {
	m.inc(func(m *Metrics) map[string]float64 { return m.resumed }, sagaName)
}

// ObserveCancelled counts a saga dropped without compensation.
func (m *Metrics) ObserveCancelled(sagaName string) {
	m.inc(func(m *Metrics) map[string]float64 { return m.cancelled }, sagaName)
}

// ObserveAborted counts a saga rolled back and dropped.
func (m *Metrics) ObserveAborted(sagaName string) {
	m.inc(func(m *Metrics) map[string]float64 { return m.aborted }, sagaName)
}

// ObserveCompensations adds compensation attempts and failures for one run.
func (m *Metrics) ObserveCompensations(sagaName string, run, failed int) {
	if m == nil || (run == 0 && failed == 0) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensationsRun[sagaName] += float64(run)
	m.compensationsFailed[sagaName] += float64(failed)
}

// ObserveResult records the end of a run, successful or not.
func (m *Metrics) ObserveResult(sagaName string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.completed[sagaName]++
	} else {
		m.failed[sagaName]++
	}

	seconds := duration.Seconds()
	m.durationSum += seconds
	m.durationCount++
	m.durations = append(m.durations, seconds)
	if len(m.durations) > maxDurationSamples {
		m.durations = m.durations[len(m.durations)-maxDurationSamples:]
	}
}

func (m *Metrics) inc(counter func(*Metrics) map[string]float64, sagaName string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counter(m)[sagaName]++
}

// DurationSummary describes the recent run durations in seconds.
type DurationSummary struct {
	Count int
	Mean  float64
	P50   float64
	P95   float64
	Max   float64
}

// Summary computes statistics over the most recent run durations.
func (m *Metrics) Summary() DurationSummary {
	if m == nil {
		return DurationSummary{}
	}
	m.mu.RLock()
	samples := append([]float64(nil), m.durations...)
	m.mu.RUnlock()

	if len(samples) == 0 {
		return DurationSummary{}
	}
	sort.Float64s(samples)
	return DurationSummary{
		Count: len(samples),
		Mean:  stat.Mean(samples, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, samples, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, samples, nil),
		Max:   samples[len(samples)-1],
	}
}

// Counter returns the value of a named counter for one saga type. Names
// match the exposition without the saga_ prefix and _total suffix.
func (m *Metrics) Counter(name, sagaName string) float64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.counters() {
		if c.name == name {
			return c.values[sagaName]
		}
	}
	return 0
}

type counter struct {
	name   string
	help   string
	values map[string]float64
}

func (m *Metrics) counters() []counter {
	return []counter{
		{"started", "Total started sagas", m.started},
		{"completed", "Total sagas that ran every step", m.completed},
		{"failed", "Total saga runs that ended failed", m.failed},
		{"resumed", "Total resume attempts", m.resumed},
		{"cancelled", "Total sagas removed without compensation", m.cancelled},
		{"aborted", "Total sagas removed through compensation", m.aborted},
		{"compensations", "Total compensations attempted", m.compensationsRun},
		{"compensations_failed", "Total compensations that failed", m.compensationsFailed},
	}
}

// Handler serves RenderPrometheus output.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(m.RenderPrometheus()))
	})
}

// RenderPrometheus writes every counter and the duration summary in the
// Prometheus text format. A nil Metrics renders nothing.
func (m *Metrics) RenderPrometheus() string {
	if m == nil {
		return ""
	}
	summary := m.Summary()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder
	writeLine := func(line string) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	for _, c := range m.counters() {
		metric := "saga_" + c.name + "_total"
		writeLine(fmt.Sprintf("# HELP %s %s", metric, c.help))
		writeLine(fmt.Sprintf("# TYPE %s counter", metric))
		names := make([]string, 0, len(c.values))
		for name := range c.values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			writeLine(fmt.Sprintf("%s{saga=%q} %.0f", metric, name, c.values[name]))
		}
	}

	writeLine("# HELP saga_duration_seconds Saga run duration summary")
	writeLine("# TYPE saga_duration_seconds summary")
	if summary.Count > 0 {
		writeLine(fmt.Sprintf("saga_duration_seconds{quantile=\"0.5\"} %.6f", summary.P50))
		writeLine(fmt.Sprintf("saga_duration_seconds{quantile=\"0.95\"} %.6f", summary.P95))
	}
	writeLine(fmt.Sprintf("saga_duration_seconds_sum %.6f", m.durationSum))
	writeLine(fmt.Sprintf("saga_duration_seconds_count %.0f", m.durationCount))

	return sb.String()
}
