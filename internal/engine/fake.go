package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Fake is an in-process engine for development and tests. Without a custom
// function it describes the dataset's columns, and draws a placeholder chart
// when the question asks for a visual.
type Fake struct {
	fn    func(ctx context.Context, req Request) (Result, error)
	calls atomic.Int64
}

// NewFake returns the default describing engine.
func NewFake() *Fake {
	return &Fake{fn: describe}
}

// NewFakeFunc returns an engine answering every request with fn.
func NewFakeFunc(fn func(ctx context.Context, req Request) (Result, error)) *Fake {
	return &Fake{fn: fn}
}

// Execute records the call and delegates to the configured function.
func (f *Fake) Execute(ctx context.Context, req Request) (Result, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return f.fn(ctx, req)
}

// Calls returns how many times Execute ran.
func (f *Fake) Calls() int {
	return int(f.calls.Load())
}

// Health always succeeds.
func (f *Fake) Health(context.Context) error { return nil }

// Close is a no-op.
func (f *Fake) Close() error { return nil }

var visualWords = []string{"chart", "plot", "graph", "visual", "trend"}

func describe(_ context.Context, req Request) (Result, error) {
	if req.Dataset == nil {
		return Result{}, &RemoteError{Code: "NO_DATASET", Message: "no dataset supplied"}
	}
	if req.Dataset.Empty() {
		return Result{Raw: "⚠️ No data found for this request. Please check your filters."}, nil
	}

	q := strings.ToLower(req.Question)
	for _, w := range visualWords {
		if !strings.Contains(q, w) || req.ChartDir == "" {
			continue
		}
		name, err := placeholderChart(req.ChartDir)
		if err != nil {
			return Result{}, &RemoteError{Code: "CHART_WRITE", Message: err.Error()}
		}
		summary := fmt.Sprintf("Top 3 Insights:\n1. The dataset has %d rows.\n2. It has %d columns.\n3. The first column is %q.",
			req.Dataset.Len(), len(req.Dataset.Columns), req.Dataset.Columns[0].Name)
		return Result{Raw: summary + "\n" + name}, nil
	}

	rows := make([]any, 0, len(req.Dataset.Columns))
	for _, c := range req.Dataset.Columns {
		rows = append(rows, map[string]any{"column": c.Name, "dtype": c.Type})
	}
	return Result{Raw: rows}, nil
}

var chartSeq atomic.Int64

func placeholderChart(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 8 - x; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 66, G: 133, B: 244, A: 255})
		}
	}
	name := filepath.Join(dir, fmt.Sprintf("chart_%d_%d.png", os.Getpid(), chartSeq.Add(1)))
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return "", err
	}
	return filepath.ToSlash(name), f.Close()
}
