package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brenonaraujo/tasquest.app/feed"
)

const (
	tracerName             = "github.com/brenonaraujo/tasquest.app/api"
	observabilityEventName = "observability.event"
	eventDomain            = "tasquest.gateway"

	proxySpanName  = "gateway.proxy"
	proxyEventName = "gateway.proxy.request"
	xpSpanName     = "gateway.suggest_xp"
	xpEventName    = "gateway.suggest_xp.request"
)

// requestMetrics collects timings for one request and emits them once, as a
// span and as a structured log entry.
type requestMetrics struct {
	logger    *log.Logger
	span      trace.Span
	route     string
	eventName string
	start     time.Time

	method           string
	path             string
	upstreamStatus   int
	upstreamDuration time.Duration
	enrichDuration   time.Duration
	enrich           *feed.Stats
	aiDuration       time.Duration
	errorStage       string
	cause            error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route, spanName, eventName string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{
		logger:    logger,
		span:      span,
		route:     route,
		eventName: eventName,
		start:     time.Now(),
	}, spanCtx
}

func (m *requestMetrics) SetRequest(method, path string) {
	m.method = method
	m.path = path
}

func (m *requestMetrics) ObserveUpstream(status int, duration time.Duration) {
	m.upstreamStatus = status
	if duration > 0 {
		m.upstreamDuration = duration
	}
}

func (m *requestMetrics) ObserveEnrichment(stats feed.Stats, duration time.Duration) {
	m.enrich = &stats
	if duration > 0 {
		m.enrichDuration = duration
	}
}

func (m *requestMetrics) ObserveAI(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.aiDuration = duration
}

// Fail records the stage and cause of a failure the handler already answered.
func (m *requestMetrics) Fail(stage string, cause error) {
	if stage != "" {
		m.errorStage = stage
	}
	if cause != nil {
		m.cause = cause
	}
}

func (m *requestMetrics) attributes(status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("gateway.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.method != "" {
		attrs = append(attrs, attribute.String("http.method", m.method))
	}
	if m.path != "" {
		attrs = append(attrs, attribute.String("url.path", m.path))
	}
	if m.upstreamStatus != 0 {
		attrs = append(attrs,
			attribute.Int("gateway.upstream.status_code", m.upstreamStatus),
			attribute.Float64("gateway.upstream_ms", durationToMillis(m.upstreamDuration)),
		)
	}
	if m.enrich != nil {
		attrs = append(attrs,
			attribute.Int("gateway.enrich.items", m.enrich.Items),
			attribute.Int("gateway.enrich.candidates", m.enrich.Candidates),
			attribute.Int("gateway.enrich.distinct_tasks", m.enrich.DistinctTasks),
			attribute.Int("gateway.enrich.resolved", m.enrich.Resolved),
			attribute.Int("gateway.enrich.failed", m.enrich.Failed),
			attribute.Int("gateway.enrich.enriched", m.enrich.Enriched),
			attribute.Float64("gateway.enrich_ms", durationToMillis(m.enrichDuration)),
		)
	}
	if m.aiDuration > 0 {
		attrs = append(attrs, attribute.Float64("gateway.ai_ms", durationToMillis(m.aiDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("gateway.error_stage", m.errorStage))
	}
	return attrs
}

// Log ends the span and writes the observability event. err is the error the
// handler returned, if any.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.cause
	}

	attrs := m.attributes(status)
	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", m.eventName),
			attribute.String("event.domain", eventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityEventName, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      m.eventName,
		"event.domain":    eventDomain,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityEventName)
	case "WARN":
		entry.Warn(observabilityEventName)
	default:
		entry.Info(observabilityEventName)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
