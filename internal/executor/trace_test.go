package executor

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/agentrunner/internal/registry"
	"github.com/haasonsaas/agentrunner/internal/sharedmem"
)

func TestExecuteEmitsSpansPerNodeVisitAndIteration(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)

	g := twoFunctionGraph()
	e := New(registry.New())
	e.RegisterFunction("start", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{"greeting": "hi"}, "", nil
	})
	e.RegisterFunction("end", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{"final": "done"}, "", nil
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}

	var visits, iterations int
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "executor.node_visit":
			visits++
		case "executor.inner_loop_iteration":
			iterations++
		}
	}
	if visits != 2 {
		t.Fatalf("expected one node_visit span per visited node, got %d", visits)
	}
	if iterations != 2 {
		t.Fatalf("expected one inner_loop_iteration span per turn, got %d", iterations)
	}
}
