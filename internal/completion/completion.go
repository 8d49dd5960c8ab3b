// Package completion is the boundary to the hosted language models used for
// plan negotiation. Backends take a prompt plus an optional JSON schema hint and
// return the model's raw text.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRateLimited is returned once retries against a throttled provider are exhausted.
	ErrRateLimited = errors.New("completion: rate limited")
	// ErrUnavailable is returned when the provider keeps failing with server errors.
	ErrUnavailable = errors.New("completion: service unavailable")
)

// Request is a single completion call.
type Request struct {
	Model  string
	Prompt string
	// SchemaName and Schema request structured JSON output when set.
	SchemaName string
	Schema     map[string]any
}

// Service produces a completion for a request.
type Service interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f ServiceFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Provider names a completion backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

// Config selects and authenticates a backend.
type Config struct {
	Provider Provider
	APIKey   string
	Retry    RetryPolicy
}

// New builds the configured backend wrapped in the retry policy.
func New(ctx context.Context, cfg Config) (Service, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("completion: api key for %s is required", cfg.Provider)
	}
	var svc Service
	switch cfg.Provider {
	case ProviderGemini, "":
		g, err := NewGemini(ctx, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		svc = g
	case ProviderOpenAI:
		svc = NewOpenAI(cfg.APIKey)
	default:
		return nil, fmt.Errorf("completion: unknown provider %q", cfg.Provider)
	}
	return WithRetry(svc, cfg.Retry), nil
}
