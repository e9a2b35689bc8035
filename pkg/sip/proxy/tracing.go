package proxy

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/sip_proxy/pkg/sip/fork"
)

const tracerName = "github.com/arzzra/sip_proxy/pkg/sip/proxy"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startRequestSpan открывает span на время жизни контекста запроса
func startRequestSpan(ctx context.Context, id string, req *sip.Request) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("sip.context_id", id),
		attribute.String("sip.method", string(req.Method)),
		attribute.String("sip.request_uri", req.Recipient.String()),
	}
	if callID := req.CallID(); callID != nil {
		attrs = append(attrs, attribute.String("sip.call_id", callID.Value()))
	}
	return tracer().Start(ctx, "sip.proxy."+string(req.Method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

func spanBranchStarted(span trace.Span, t *fork.Target) {
	uri := t.URI()
	span.AddEvent("branch.started", trace.WithAttributes(
		attribute.String("sip.branch", t.BranchID()),
		attribute.String("sip.target", uri.String()),
		attribute.Int("sip.priority", t.Priority()),
	))
}

func spanBranchCancelled(span trace.Span, branchID string) {
	span.AddEvent("branch.cancelled", trace.WithAttributes(attribute.String("sip.branch", branchID)))
}

func spanTimerC(span trace.Span, branchID string) {
	span.AddEvent("timer_c.fired", trace.WithAttributes(attribute.String("sip.branch", branchID)))
}

func spanResponseRelayed(span trace.Span, res *sip.Response) {
	span.AddEvent("response.relayed", trace.WithAttributes(
		attribute.Int("sip.status_code", res.StatusCode),
	))
}

// spanFinished фиксирует итог форкинга
func spanFinished(span trace.Span, res *sip.Response, targets int) {
	span.SetAttributes(attribute.Int("sip.fork.targets", targets))
	if res == nil {
		span.SetAttributes(attribute.Bool("sip.abandoned", true))
		return
	}
	span.SetAttributes(attribute.Int("sip.status_code", res.StatusCode))
	if res.StatusCode >= 500 {
		span.SetStatus(codes.Error, res.Reason)
	}
}
