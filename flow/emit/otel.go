package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g., "step_complete", "instance_paused")
//   - Attributes: instance ID, state ID, and all event.Meta fields
//   - Status: error if event.Meta["error"] exists
//
// Usage:
//
//	tracer := otel.Tracer("statekit")
//	emitter := emit.NewOTelEmitter(tracer)
//	eng := flow.New(cfg, st, flow.WithEmitter(emitter))
//
// Setting up a provider is application code:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter that records each event as a span.
//
// Parameters:
//   - tracer: OpenTelemetry tracer from otel.Tracer("service-name")
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event.
//
// Events represent points in time rather than durations, so the span is
// not left open.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("statekit.instance_id", event.InstanceID),
		attribute.String("statekit.state_id", event.StateID),
	)
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("statekit.meta."+key, value))
	}

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// metaAttribute converts an arbitrary meta value to a span attribute,
// falling back to its string form for unsupported types.
func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// Flush forces export of all pending spans.
//
// OpenTelemetry buffers spans in a batch span processor; call Flush before
// shutdown so buffered spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	if sdkTP, ok := tp.(*sdktrace.TracerProvider); ok {
		return sdkTP.ForceFlush(ctx)
	}
	return nil
}
