package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("canopy.engine")

type metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canopy",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
	}
	if reg != nil {
		m.operations = register(reg, m.operations).(*prometheus.CounterVec)
		m.duration = register(reg, m.duration).(*prometheus.HistogramVec)
	}
	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}

// Outcome classifies an error into a metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, hierarchy.ErrCrossTenantAccess):
		return "cross_tenant"
	case errors.Is(err, hierarchy.ErrNodeNotFound):
		return "not_found"
	case errors.Is(err, hierarchy.ErrInvalidDelegationTarget), errors.Is(err, hierarchy.ErrInvalidArgument),
		errors.Is(err, hierarchy.ErrInvalidLineage), errors.Is(err, hierarchy.ErrHasDescendants):
		return "invalid"
	case errors.Is(err, hierarchy.ErrDelegationNotFound), errors.Is(err, hierarchy.ErrDelegationAlreadyResolved):
		return "delegation"
	case errors.Is(err, hierarchy.ErrConflict):
		return "conflict"
	case errors.Is(err, hierarchy.ErrTimeout):
		return "timeout"
	case errors.Is(err, hierarchy.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// observe opens a span and returns the func that records the outcome.
func (s *Service) observe(ctx context.Context, op, tenantID string, ref hierarchy.NodeRef) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "canopy."+op, trace.WithAttributes(
		attribute.String("canopy.tenant", tenantID),
		attribute.String("canopy.level", ref.Level.String()),
		attribute.String("canopy.id", ref.ID),
	))

	return ctx, func(err error) {
		outcome := Outcome(err)
		s.metrics.operations.WithLabelValues(op, outcome).Inc()
		s.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("canopy.outcome", outcome))
		span.End()

		if errors.Is(err, hierarchy.ErrCrossTenantAccess) {
			s.logger.Warn("cross-tenant access rejected",
				"event_type", "cross_tenant_rejected",
				"op", op,
				"tenant", tenantID,
				"requested", ref.String(),
			)
		}
	}
}

// logEvent records a structured event in the shape the rest of canopy logs.
func (s *Service) logEvent(ctx context.Context, eventType string, ref hierarchy.NodeRef, attrs ...any) {
	base := []any{
		"event_type", eventType,
		"tenant", ref.TenantID,
		"level", ref.Level.String(),
		"id", ref.ID,
	}
	s.logger.InfoContext(ctx, eventType, append(base, attrs...)...)
}
