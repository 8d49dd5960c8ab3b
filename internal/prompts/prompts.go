// Package prompts holds the instruction templates sent to the planner and the
// analysis engine. A default catalogue is embedded in the binary and can be
// overridden by a YAML file.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultCatalogue []byte

// PlannerInput is the data rendered into the planner template.
type PlannerInput struct {
	Schema             string
	History            string
	Question           string
	ClarificationCount int
}

// ExecutorInput is the data rendered into the executor template.
type ExecutorInput struct {
	Plan     string
	Question string
	ChartDir string
}

type catalogueFile struct {
	Planner    string `yaml:"planner"`
	Executor   string `yaml:"executor"`
	RedoSuffix string `yaml:"redo_suffix"`
}

// Catalogue is a parsed, ready-to-render set of templates.
type Catalogue struct {
	planner    *template.Template
	executor   *template.Template
	redoSuffix string
}

// Default returns the embedded catalogue.
func Default() *Catalogue {
	c, err := Parse(defaultCatalogue)
	if err != nil {
		panic(fmt.Sprintf("prompts: embedded catalogue is invalid: %v", err))
	}
	return c
}

// Load returns the embedded catalogue with any entries present in the YAML
// file at path layered on top. An empty path yields the default.
func Load(path string) (*Catalogue, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}

	var base catalogueFile
	if err := yaml.Unmarshal(defaultCatalogue, &base); err != nil {
		return nil, fmt.Errorf("parse embedded prompts: %w", err)
	}
	var override catalogueFile
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	if override.Planner != "" {
		base.Planner = override.Planner
	}
	if override.Executor != "" {
		base.Executor = override.Executor
	}
	if override.RedoSuffix != "" {
		base.RedoSuffix = override.RedoSuffix
	}
	return compile(base)
}

// Parse builds a catalogue from YAML bytes. Every entry is required.
func Parse(data []byte) (*Catalogue, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	return compile(f)
}

func compile(f catalogueFile) (*Catalogue, error) {
	switch {
	case strings.TrimSpace(f.Planner) == "":
		return nil, fmt.Errorf("prompts: planner template is required")
	case strings.TrimSpace(f.Executor) == "":
		return nil, fmt.Errorf("prompts: executor template is required")
	case f.RedoSuffix == "":
		return nil, fmt.Errorf("prompts: redo_suffix is required")
	}

	planner, err := template.New("planner").Option("missingkey=error").Parse(f.Planner)
	if err != nil {
		return nil, fmt.Errorf("parse planner template: %w", err)
	}
	executor, err := template.New("executor").Option("missingkey=error").Parse(f.Executor)
	if err != nil {
		return nil, fmt.Errorf("parse executor template: %w", err)
	}
	return &Catalogue{planner: planner, executor: executor, redoSuffix: f.RedoSuffix}, nil
}

// RenderPlanner builds the plan negotiation instructions.
func (c *Catalogue) RenderPlanner(in PlannerInput) (string, error) {
	var b strings.Builder
	if err := c.planner.Execute(&b, in); err != nil {
		return "", fmt.Errorf("render planner prompt: %w", err)
	}
	return b.String(), nil
}

// RenderExecutor builds the analysis engine instructions.
func (c *Catalogue) RenderExecutor(in ExecutorInput) (string, error) {
	var b strings.Builder
	if err := c.executor.Execute(&b, in); err != nil {
		return "", fmt.Errorf("render executor prompt: %w", err)
	}
	return b.String(), nil
}

// Redo annotates a prompt so the next attempt steers away from the discarded one.
func (c *Catalogue) Redo(prompt string) string {
	return prompt + c.redoSuffix
}

// RedoSuffix returns the annotation appended by Redo.
func (c *Catalogue) RedoSuffix() string {
	return c.redoSuffix
}
