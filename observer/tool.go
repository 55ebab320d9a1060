package observer

import (
	"context"
	"time"

	cadence "github.com/maelin/cadence"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapTool instruments a ToolFunc with a span and execution metrics. Register
// the wrapped func in the toolkit to get per-tool traces for free.
func WrapTool(name string, fn cadence.ToolFunc, inst *Instruments) cadence.ToolFunc {
	return func(ctx context.Context, call cadence.ToolCall, local map[string]any) (cadence.ToolResult, error) {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(name),
		))
		defer span.End()

		start := time.Now()
		result, err := fn(ctx, call, local)
		elapsed := float64(time.Since(start).Milliseconds())

		status := result.Status
		if err != nil {
			status = "error"
			span.RecordError(err)
		}
		span.SetAttributes(
			AttrToolStatus.String(status),
			AttrToolResultLength.Int(len(result.Content)),
		)
		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name),
			AttrToolStatus.String(status),
		))
		inst.ToolDuration.Record(ctx, elapsed, metric.WithAttributes(AttrToolName.String(name)))

		return result, err
	}
}
