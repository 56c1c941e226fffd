package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sweepdMetricsOnce sync.Once
	sweepdRegistry    *SweepdMetrics
)

// SweepdMetrics wraps collectors tracking sweep cycle health.
type SweepdMetrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	polls         *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	skips         *prometheus.CounterVec
	swept         *prometheus.CounterVec
	chainHeight   prometheus.Gauge
	nextHeight    prometheus.Gauge
	pending       prometheus.Gauge
	pauseEngaged  prometheus.Gauge
}

// Sweepd exposes the metrics registry for sweepd.
func Sweepd() *SweepdMetrics {
	sweepdMetricsOnce.Do(func() {
		sweepdRegistry = &SweepdMetrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "cycles_total",
				Help:      "Completed sweep cycles segmented by outcome.",
			}, []string{"outcome"}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "cycle_duration_seconds",
				Help:      "Wall-clock duration of sweep cycles.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			}),
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "polls_total",
				Help:      "Poller wake-ups segmented by result (evaluated, waiting, paused, error).",
			}, []string{"result"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "submissions_total",
				Help:      "Extrinsics submitted through the relay segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			skips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "skips_total",
				Help:      "Accounts or announcements skipped during a cycle segmented by reason.",
			}, []string{"reason"}),
			swept: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "swept_tokens_total",
				Help:      "Whole tokens moved to the destination account.",
			}, []string{"asset"}),
			chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "chain_height",
				Help:      "Best block height observed by the poller.",
			}),
			nextHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "next_sweep_height",
				Help:      "Block height at or after which the next cycle runs.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "pending_announcements",
				Help:      "Outstanding proxy announcements for managed accounts.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sweep",
				Subsystem: "sweepd",
				Name:      "pause_engaged",
				Help:      "Indicates whether the sweep pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			sweepdRegistry.cycles,
			sweepdRegistry.cycleDuration,
			sweepdRegistry.polls,
			sweepdRegistry.submissions,
			sweepdRegistry.skips,
			sweepdRegistry.swept,
			sweepdRegistry.chainHeight,
			sweepdRegistry.nextHeight,
			sweepdRegistry.pending,
			sweepdRegistry.pauseEngaged,
		)
	})
	return sweepdRegistry
}

// ObserveCycle records a completed cycle.
func (m *SweepdMetrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(label(outcome)).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// RecordPoll counts a poller wake-up.
func (m *SweepdMetrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(label(result)).Inc()
}

// RecordSubmission counts a relay submission; err == nil is a success.
func (m *SweepdMetrics) RecordSubmission(action string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.submissions.WithLabelValues(label(action), outcome).Inc()
}

// RecordSkip increments the skip counter for the supplied reason.
func (m *SweepdMetrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(label(reason)).Inc()
}

// RecordSwept adds a swept amount expressed in the smallest denomination.
func (m *SweepdMetrics) RecordSwept(asset string, amount *big.Int, decimals uint32) {
	if m == nil {
		return
	}
	value := bigToFloat(amount) / math.Pow10(int(decimals))
	if value <= 0 || math.IsInf(value, 0) || math.IsNaN(value) {
		return
	}
	m.swept.WithLabelValues(labelAsset(asset)).Add(value)
}

// SetChainHeight records the best block height.
func (m *SweepdMetrics) SetChainHeight(height uint64) {
	if m == nil {
		return
	}
	m.chainHeight.Set(float64(height))
}

// SetNextSweepHeight records the scheduled trigger height.
func (m *SweepdMetrics) SetNextSweepHeight(height uint64) {
	if m == nil {
		return
	}
	m.nextHeight.Set(float64(height))
}

// SetPendingAnnouncements records the number of outstanding announcements.
func (m *SweepdMetrics) SetPendingAnnouncements(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

// SetPause toggles the pause_engaged gauge.
func (m *SweepdMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func label(value string) string {
	if value = strings.TrimSpace(value); value == "" {
		return "unspecified"
	}
	return value
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
