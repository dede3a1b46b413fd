package perfmon

import (
	"errors"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// Exporter mirrors monitor samples into Prometheus collectors.
type Exporter struct {
	opDurationSeconds *prom.HistogramVec
	opTotal           *prom.CounterVec
}

// NewExporter creates and registers the collectors. Registration is
// idempotent: an already-registered collector is reused.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "guardkit"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Measured operation duration in seconds.",
		Buckets:   buckets,
	}, []string{"operation", "outcome"})
	totalVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Total measured operations by outcome.",
	}, []string{"operation", "outcome"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if totalVec, err = registerCollector(reg, totalVec); err != nil {
		return nil, err
	}

	return &Exporter{opDurationSeconds: durationVec, opTotal: totalVec}, nil
}

func (e *Exporter) observe(op string, ok bool, dur time.Duration) {
	if e == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	e.opDurationSeconds.WithLabelValues(op, outcome).Observe(dur.Seconds())
	e.opTotal.WithLabelValues(op, outcome).Inc()
}

// registerCollector registers c, swapping in the existing collector when one
// with the same descriptor is already present.
func registerCollector[C prom.Collector](reg prom.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}
