// Package executor is the boundary to stage-specific generation logic.
// The pipeline controller depends only on the Executor interface; concrete
// handlers are looked up through a Registry keyed by stage name.
package executor

import (
	"context"

	"stageline/internal/catalog"
	"stageline/internal/domain"
)

// StageContext is the accumulated input handed to a stage: the project's
// requirement plus the metadata produced by every prior completed stage.
type StageContext struct {
	ProjectID   string
	Requirement string
	Stage       catalog.StageDef
	// Prior maps stage name to that stage's output metadata, catalog order.
	Prior map[string]map[string]any
}

// Result is what a stage hands back on success.
type Result struct {
	Metrics  domain.StageMetrics
	Metadata map[string]any
}

type Executor interface {
	Execute(ctx context.Context, sc StageContext) (Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, sc StageContext) (Result, error)

func (f Func) Execute(ctx context.Context, sc StageContext) (Result, error) {
	return f(ctx, sc)
}

// Factory constructs the executor for a stage definition.
type Factory func(stage catalog.StageDef) (Executor, error)
