package sweepd

import "proxysweep/observability"

// Metrics exposes Prometheus collectors for sweepd instrumentation.
type Metrics = observability.SweepdMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Sweepd() }
