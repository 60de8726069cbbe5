package executor_test

import (
	"context"
	"fmt"
	"testing"

	"stageline/internal/catalog"
	"stageline/internal/domain"
	"stageline/internal/executor"
)

func stageDef(name string) catalog.StageDef {
	return catalog.StageDef{Name: name, DisplayName: name}
}

func TestRegistryCachesInstances(t *testing.T) {
	built := 0
	factory := func(stage catalog.StageDef) (executor.Executor, error) {
		built++
		return executor.Func(func(ctx context.Context, sc executor.StageContext) (executor.Result, error) {
			return executor.Result{}, nil
		}), nil
	}
	reg := executor.NewRegistry(factory, 4)

	if _, err := reg.For(stageDef("design")); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.For(stageDef("design")); err != nil {
		t.Fatal(err)
	}
	if built != 1 {
		t.Fatalf("factory built %d instances, want 1", built)
	}
	if _, err := reg.For(stageDef("review")); err != nil {
		t.Fatal(err)
	}
	if built != 2 {
		t.Fatalf("factory built %d instances, want 2", built)
	}

	reg.Reset()
	if _, err := reg.For(stageDef("design")); err != nil {
		t.Fatal(err)
	}
	if built != 3 {
		t.Fatalf("after reset factory built %d instances, want 3", built)
	}
}

func TestRegistryOverrideWins(t *testing.T) {
	factory := func(stage catalog.StageDef) (executor.Executor, error) {
		return nil, fmt.Errorf("factory should not be used")
	}
	reg := executor.NewRegistry(factory, 4)
	reg.Register("design", executor.Func(func(ctx context.Context, sc executor.StageContext) (executor.Result, error) {
		return executor.Result{Metrics: domain.StageMetrics{ToolCalls: 1}}, nil
	}))
	ex, err := reg.For(stageDef("design"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := ex.Execute(context.Background(), executor.StageContext{})
	if err != nil || res.Metrics.ToolCalls != 1 {
		t.Fatalf("override result = %+v, %v", res, err)
	}
}

func TestGeneratorIsDeterministic(t *testing.T) {
	factory := executor.GeneratorFactory()
	ex, err := factory(stageDef("design"))
	if err != nil {
		t.Fatal(err)
	}
	sc := executor.StageContext{
		ProjectID:   "proj-1",
		Requirement: "build a todo app",
		Stage:       stageDef("design"),
		Prior:       map[string]map[string]any{"requirements": {"artifact": "requirements-abc"}},
	}
	a, err := ex.Execute(context.Background(), sc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ex.Execute(context.Background(), sc)
	if err != nil {
		t.Fatal(err)
	}
	if a.Metadata["artifact"] != b.Metadata["artifact"] {
		t.Fatalf("artifact differs: %v vs %v", a.Metadata["artifact"], b.Metadata["artifact"])
	}
	if a.Metrics != b.Metrics {
		t.Fatalf("metrics differ: %+v vs %+v", a.Metrics, b.Metrics)
	}
	if a.Metrics.IsZero() {
		t.Fatal("generator produced zero metrics")
	}
}

func TestGeneratorHonorsCancellation(t *testing.T) {
	factory := executor.GeneratorFactory()
	ex, err := factory(stageDef("design"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ex.Execute(ctx, executor.StageContext{ProjectID: "proj-1"}); err == nil {
		t.Fatal("expected context error")
	}
}
