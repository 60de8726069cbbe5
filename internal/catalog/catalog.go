package catalog

import "fmt"

// StageDef describes one ordered step of the build pipeline. Pure data;
// execution lives in the executor registry.
type StageDef struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Order       int    `json:"order" yaml:"order"`
}

// Catalog is an ordered, immutable list of stage definitions.
type Catalog struct {
	stages []StageDef
	byName map[string]StageDef
}

// New builds a catalog, assigning orders by position.
func New(stages []StageDef) (Catalog, error) {
	if len(stages) == 0 {
		return Catalog{}, fmt.Errorf("catalog requires at least one stage")
	}
	byName := make(map[string]StageDef, len(stages))
	out := make([]StageDef, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return Catalog{}, fmt.Errorf("stage %d has empty name", i)
		}
		if _, dup := byName[s.Name]; dup {
			return Catalog{}, fmt.Errorf("duplicate stage name %s", s.Name)
		}
		if s.DisplayName == "" {
			s.DisplayName = s.Name
		}
		s.Order = i
		byName[s.Name] = s
		out[i] = s
	}
	return Catalog{stages: out, byName: byName}, nil
}

// Default returns the stock AI-agent artifact build pipeline.
func Default() Catalog {
	c, _ := New([]StageDef{
		{Name: "requirements", DisplayName: "Requirement Analysis", Description: "Distill the free-text requirement into structured capabilities"},
		{Name: "design", DisplayName: "Agent Design", Description: "Decide agent role, persona and interaction contract"},
		{Name: "prompts", DisplayName: "Prompt Engineering", Description: "Generate system and task prompts"},
		{Name: "tools", DisplayName: "Tool Synthesis", Description: "Generate tool definitions and glue code"},
		{Name: "knowledge", DisplayName: "Knowledge Packaging", Description: "Assemble reference documents and retrieval config"},
		{Name: "review", DisplayName: "Final Review", Description: "Cross-check artifacts for consistency"},
	})
	return c
}

// Stages returns the definitions in order.
func (c Catalog) Stages() []StageDef {
	out := make([]StageDef, len(c.stages))
	copy(out, c.stages)
	return out
}

func (c Catalog) Len() int { return len(c.stages) }

// ByName looks a stage up by id.
func (c Catalog) ByName(name string) (StageDef, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Names returns stage ids in order.
func (c Catalog) Names() []string {
	out := make([]string, len(c.stages))
	for i, s := range c.stages {
		out[i] = s.Name
	}
	return out
}
