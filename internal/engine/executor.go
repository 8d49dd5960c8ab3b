package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/dataroom/internal/dataset"
	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/prompts"
)

// Executor turns an execution plan into an engine request.
type Executor struct {
	engine   Engine
	prompts  *prompts.Catalogue
	model    string
	chartDir string
	timeout  time.Duration
	logger   *slog.Logger
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Model    string
	ChartDir string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewExecutor creates an Executor that sends requests to eng.
func NewExecutor(eng Engine, catalogue *prompts.Catalogue, cfg ExecutorConfig) *Executor {
	if catalogue == nil {
		catalogue = prompts.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		engine:   eng,
		prompts:  catalogue,
		model:    cfg.Model,
		chartDir: cfg.ChartDir,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Execute runs the plan against frame and returns the engine's raw answer.
func (x *Executor) Execute(ctx context.Context, frame *dataset.Frame, plan domain.ExecutionPlan, question string) (any, error) {
	prompt, err := x.prompts.RenderExecutor(prompts.ExecutorInput{
		Plan:     plan.Format(),
		Question: question,
		ChartDir: x.chartDir,
	})
	if err != nil {
		return nil, err
	}

	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := x.engine.Execute(ctx, Request{
		Dataset:  frame,
		Prompt:   prompt,
		Question: question,
		Model:    x.model,
		ChartDir: x.chartDir,
	})
	if err != nil {
		return nil, fmt.Errorf("execute analysis: %w", err)
	}
	x.logger.Debug("Analysis finished", "duration_ms", time.Since(start).Milliseconds(), "rows", frame.Len())
	return res.Raw, nil
}
