package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"stageline/internal/catalog"
	"stageline/internal/domain"
)

// GeneratorFactory returns the stock factory used when no external
// executors are registered. It produces deterministic placeholder
// artifacts so a build is observable end to end without an LLM backend;
// real content generation plugs in through Registry.Register.
func GeneratorFactory() Factory {
	return func(stage catalog.StageDef) (Executor, error) {
		return &generator{stage: stage}, nil
	}
}

type generator struct {
	stage catalog.StageDef
}

func (g *generator) Execute(ctx context.Context, sc StageContext) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	digest := sha256.Sum256([]byte(sc.ProjectID + "|" + g.stage.Name + "|" + sc.Requirement))
	artifact := fmt.Sprintf("%s-%s", g.stage.Name, hex.EncodeToString(digest[:6]))
	summary := sc.Requirement
	if len(summary) > 80 {
		summary = summary[:80]
	}
	meta := map[string]any{
		"artifact": artifact,
		"summary":  strings.TrimSpace(summary),
		"inputs":   priorNames(sc.Prior),
	}
	// Deterministic counters stand in for real token usage.
	return Result{
		Metrics: domain.StageMetrics{
			InputTokens:  len(sc.Requirement) + 64*len(sc.Prior),
			OutputTokens: 128 + len(artifact),
			ToolCalls:    len(sc.Prior),
		},
		Metadata: meta,
	}, nil
}

func priorNames(prior map[string]map[string]any) []string {
	names := make([]string, 0, len(prior))
	for name := range prior {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
