package executor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentrunner/pkg/graph"
)

// tracer emits one span per node visit and per inner-loop iteration. Span
// naming and attribute shape follow the teacher's per-call instrumentation
// style; OTLP exporter wiring belongs to the excluded CLI/daemon entry
// points, not this library.
var tracer = otel.Tracer("github.com/haasonsaas/agentrunner/internal/executor")

func startNodeSpan(ctx context.Context, runID string, node *graph.NodeSpec, step int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "executor.node_visit", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("node.id", node.ID),
		attribute.String("node.kind", string(node.Kind)),
		attribute.Int("step", step),
	))
}

func startIterationSpan(ctx context.Context, node *graph.NodeSpec, iteration int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "executor.inner_loop_iteration", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.Int("iteration", iteration),
	))
}
