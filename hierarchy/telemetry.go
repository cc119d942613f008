package hierarchy

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("lineage.hierarchy")

// Metrics records hierarchy maintenance counters. A nil *Metrics is a no-op.
type Metrics struct {
	Inserts          *prometheus.CounterVec
	Moves            *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	ClosureRows      *prometheus.CounterVec
	RebuildDuration  *prometheus.HistogramVec
	AssembledResults *prometheus.CounterVec
}

// NewMetrics creates the hierarchy metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Inserts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lineage_inserts_total",
			Help: "Total number of hierarchical entities prepared for insert.",
		}, []string{"type"}),
		Moves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lineage_moves_total",
			Help: "Total number of parent changes applied to hierarchical entities.",
		}, []string{"type"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lineage_rejections_total",
			Help: "Total number of writes rejected by hierarchy rules.",
		}, []string{"type", "code"}),
		ClosureRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lineage_closure_rows_written_total",
			Help: "Total number of bridge rows bulk-inserted by hooks and rebuilds.",
		}, []string{"type"}),
		RebuildDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lineage_rebuild_seconds",
			Help:    "Time spent rebuilding levels and bridge rows.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		AssembledResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lineage_assembled_results_total",
			Help: "Total number of result sets nested into trees.",
		}, []string{"type"}),
	}
}

func (m *Metrics) insert(typ string) {
	if m == nil {
		return
	}
	m.Inserts.WithLabelValues(typ).Inc()
}

func (m *Metrics) move(typ string) {
	if m == nil {
		return
	}
	m.Moves.WithLabelValues(typ).Inc()
}

func (m *Metrics) reject(typ string, err error) {
	if m == nil {
		return
	}
	code := "unknown"
	var he *HierarchyError
	if errors.As(err, &he) {
		code = string(he.Code)
	}
	m.Rejections.WithLabelValues(typ, code).Inc()
}

func (m *Metrics) closureRows(typ string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ClosureRows.WithLabelValues(typ).Add(float64(n))
}

func (m *Metrics) rebuilt(typ string, seconds float64) {
	if m == nil {
		return
	}
	m.RebuildDuration.WithLabelValues(typ).Observe(seconds)
}

func (m *Metrics) assembled(typ string) {
	if m == nil {
		return
	}
	m.AssembledResults.WithLabelValues(typ).Inc()
}

func startSpan(ctx context.Context, name string, h *Hierarchy, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("lineage.type", h.cfg.Name))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
