package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PerfMetric measures the end-to-end duration of keyed operations and
// publishes the rolling average and variance (in milliseconds) as gauges.
// The accumulators reset after numEntriesForReset finished measurements so
// the gauges track recent behavior rather than the whole process lifetime.
type PerfMetric struct {
	mu                sync.Mutex
	entries           map[string]time.Time
	numEntriesForReset int

	count int
	mean  float64
	m2    float64

	avg      prometheus.Gauge
	variance prometheus.Gauge
}

// NewPerfMetric registers <name>_avg and <name>_variance gauges on factory.
func NewPerfMetric(factory promauto.Factory, name string, numEntriesForReset int) *PerfMetric {
	return &PerfMetric{
		entries:            make(map[string]time.Time),
		numEntriesForReset: numEntriesForReset,
		avg: factory.NewGauge(prometheus.GaugeOpts{
			Name: name + "_avg",
			Help: "Rolling average duration (ms)",
		}),
		variance: factory.NewGauge(prometheus.GaugeOpts{
			Name: name + "_variance",
			Help: "Rolling variance of duration (ms^2)",
		}),
	}
}

// AddStartTimeStamp records the start of a measurement for key. A key that is
// already being measured keeps its original start time.
func (p *PerfMetric) AddStartTimeStamp(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		p.entries[key] = time.Now()
	}
}

// DeleteSingleEntry discards an in-progress measurement without recording it.
func (p *PerfMetric) DeleteSingleEntry(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// FinishMeasurement completes the measurement for key and folds its duration
// into the rolling average and variance.
func (p *PerfMetric) FinishMeasurement(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := p.entries[key]
	if !ok {
		return
	}
	delete(p.entries, key)

	if p.count >= p.numEntriesForReset {
		p.count, p.mean, p.m2 = 0, 0, 0
	}

	// Welford update.
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	p.count++
	delta := ms - p.mean
	p.mean += delta / float64(p.count)
	p.m2 += delta * (ms - p.mean)

	p.avg.Set(p.mean)
	if p.count > 1 {
		p.variance.Set(p.m2 / float64(p.count-1))
	} else {
		p.variance.Set(0)
	}
}

// InProgress returns the number of measurements whose end has not been seen.
func (p *PerfMetric) InProgress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
