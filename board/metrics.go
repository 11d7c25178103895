package board

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kando-api/domain"
)

const (
	tracerName        = "kando-api/board"
	mutationSpanName  = "board.mutation"
	mutationLogEvent  = "board.mutation.metrics"
	attrMutation      = "kando.mutation.name"
	attrActorID       = "kando.mutation.actor_id"
	attrRole          = "kando.mutation.role"
	attrPersistCalls  = "kando.mutation.persist_calls"
	attrRolledBack    = "kando.mutation.rolled_back"
	attrErrorStage    = "kando.mutation.error_stage"
	attrErrorKind     = "kando.mutation.error_kind"
	attrTotalMillis   = "kando.mutation.total_ms"
	attrPersistMillis = "kando.mutation.persist_ms"
)

type mutationMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	name            string
	actor           domain.Actor
	persistDuration time.Duration
	persistCalls    int
	rolledBack      bool
	errorStage      string
}

func newMutationMetrics(ctx context.Context, logger *log.Logger, name string) (*mutationMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, mutationSpanName,
		trace.WithAttributes(attribute.String(attrMutation, name)))
	return &mutationMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		name:   name,
	}, ctx
}

func (m *mutationMetrics) SetActor(a domain.Actor) {
	m.actor = a
}

func (m *mutationMetrics) ObservePersist(duration time.Duration) {
	m.persistCalls++
	if duration > 0 {
		m.persistDuration += duration
	}
}

func (m *mutationMetrics) MarkRolledBack() {
	m.rolledBack = true
}

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and writes one structured entry for the mutation.
func (m *mutationMetrics) Log(err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	attrs := []attribute.KeyValue{
		attribute.String(attrActorID, m.actor.ID),
		attribute.String(attrRole, string(m.actor.Role)),
		attribute.Int(attrPersistCalls, m.persistCalls),
		attribute.Bool(attrRolledBack, m.rolledBack),
		attribute.Float64(attrTotalMillis, durationToMillis(total)),
		attribute.Float64(attrPersistMillis, durationToMillis(m.persistDuration)),
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(attrErrorStage, m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String(attrErrorKind, string(domain.KindOf(err))))
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.SetAttributes(attrs...)
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"mutation":      m.name,
		"actor_id":      m.actor.ID,
		"role":          m.actor.Role,
		"total_ms":      durationToMillis(total),
		"persist_calls": m.persistCalls,
		"rolled_back":   m.rolledBack,
	}
	if m.persistDuration > 0 {
		fields["persist_ms"] = durationToMillis(m.persistDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	entry := m.logger.WithFields(fields)
	if err == nil {
		entry.Info(mutationLogEvent)
		return
	}
	entry = entry.WithError(err).WithField("error_kind", domain.KindOf(err))
	if domain.KindOf(err) == domain.KindRemoteFailure {
		entry.Error(mutationLogEvent)
		return
	}
	entry.Warn(mutationLogEvent)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
