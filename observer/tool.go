package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/venalis/ember"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps an ember.Tool with OTEL instrumentation. Register the
// wrapped value instead of the raw tool; the executor's own span covers the
// layer, this one covers the individual call.
type ObservedTool struct {
	inner ember.Tool
	inst  *Instruments
}

var _ ember.Tool = (*ObservedTool)(nil)

// WrapTool returns an instrumented tool.
func WrapTool(inner ember.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Definition() ember.ToolDefinition {
	return o.inner.Definition()
}

// ExclusiveKeys passes through the inner tool's serialization keys so
// wrapping does not change executor scheduling.
func (o *ObservedTool) ExclusiveKeys(args json.RawMessage) []string {
	if ek, ok := o.inner.(ember.ExclusiveKeyer); ok {
		return ek.ExclusiveKeys(args)
	}
	return nil
}

func (o *ObservedTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	name := o.inner.Definition().Name
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Execute(ctx, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(out)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(out)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}
