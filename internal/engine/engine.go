// Package engine is the boundary to the external analysis engine that turns a
// dataset plus natural-language instructions into an answer, optionally
// writing chart files into the shared chart directory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/dataroom/internal/dataset"
)

// CodeEngineUnavailable is reported when no engine can be reached.
const CodeEngineUnavailable = "ENGINE_UNAVAILABLE"

// ErrUnavailable is returned when the engine cannot be reached.
var ErrUnavailable = errors.New("analysis engine unavailable")

// RemoteError is an error reported by the engine itself.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Request is one analysis run.
type Request struct {
	Dataset  *dataset.Frame
	Prompt   string
	Question string
	Model    string
	ChartDir string
}

// Result carries the engine's raw answer: a string, float64, []any, or
// map[string]any (possibly a {"type", "value"} envelope).
type Result struct {
	Raw any
}

// Engine executes analysis requests.
type Engine interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Health(ctx context.Context) error
	Close() error
}

// Backend names an Engine implementation.
type Backend string

const (
	BackendGRPC   Backend = "grpc"
	BackendDocker Backend = "docker"
	BackendFake   Backend = "fake"
)

// Wire field names shared by the gRPC and container backends.
const (
	fieldModel        = "model"
	fieldPrompt       = "prompt"
	fieldQuestion     = "question"
	fieldDatasetName  = "dataset_name"
	fieldDatasetCSV   = "dataset_csv"
	fieldChartDir     = "chart_dir"
	fieldType         = "type"
	fieldValue        = "value"
	fieldErrorCode    = "error_code"
	fieldErrorMessage = "error_message"
)

func requestToWire(req Request, chartDir string) (map[string]any, error) {
	if req.Dataset == nil {
		return nil, errors.New("engine: dataset is required")
	}
	data, err := req.Dataset.CSV()
	if err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}
	return map[string]any{
		fieldModel:       req.Model,
		fieldPrompt:      req.Prompt,
		fieldQuestion:    req.Question,
		fieldDatasetName: req.Dataset.Name,
		fieldDatasetCSV:  string(data),
		fieldChartDir:    chartDir,
	}, nil
}

// resultFromWire decodes a response envelope. A typed answer is kept as a
// {"type", "value"} map so the normalizer can unwrap it.
func resultFromWire(m map[string]any) (Result, error) {
	code, _ := m[fieldErrorCode].(string)
	msg, _ := m[fieldErrorMessage].(string)
	if strings.TrimSpace(code) != "" || strings.TrimSpace(msg) != "" {
		return Result{}, &RemoteError{Code: code, Message: msg}
	}
	value := m[fieldValue]
	if t, ok := m[fieldType].(string); ok && t != "" {
		return Result{Raw: map[string]any{fieldType: t, fieldValue: value}}, nil
	}
	return Result{Raw: value}, nil
}
