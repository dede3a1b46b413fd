package perfmon

import (
	"context"
	"errors"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExporterCountsOutcomes(t *testing.T) {
	reg := prom.NewRegistry()
	exp, err := NewExporter("test", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("exporter: %v", err)
	}

	m := New(Config{})
	m.SetExporter(exp)

	m.Begin("op").End(nil)
	_ = m.Track(context.Background(), "op", func(ctx context.Context) error { return nil })
	m.Begin("op").End(errors.New("boom"))

	if got := testutil.ToFloat64(exp.opTotal.WithLabelValues("op", "success")); got != 2 {
		t.Fatalf("success counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exp.opTotal.WithLabelValues("op", "failure")); got != 1 {
		t.Fatalf("failure counter = %v, want 1", got)
	}
}

func TestExporterRegistrationIsIdempotent(t *testing.T) {
	reg := prom.NewRegistry()
	if _, err := NewExporter("dup", reg, ExporterOptions{}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewExporter("dup", reg, ExporterOptions{}); err != nil {
		t.Fatalf("second registration should reuse collectors: %v", err)
	}
}
