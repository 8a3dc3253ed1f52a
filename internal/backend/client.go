// Package backend talks to the model service that turns assembled prompts
// into answers.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DeltaHandler receives streamed answer fragments in generation order.
type DeltaHandler func(delta string) error

// Client generates an answer from a fully assembled prompt. Implementations
// must honor ctx cancellation and deadlines; callers own all timeout policy.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStream(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error)
}

// Warmer is implemented by clients that can load the model ahead of traffic
// so the first real request does not pay the cold-start cost.
type Warmer interface {
	Warm(ctx context.Context) error
}

// StatusError reports a non-2xx reply from the model service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model service status %d: %s", e.StatusCode, e.Body)
}

// Config controls client construction.
type Config struct {
	// Mode is one of "auto", "http", "mock". Auto picks http when HTTPURL is
	// set and falls back to mock otherwise.
	Mode    string
	HTTPURL string
	Model   string
	// KeepAlive is forwarded to the model service so it keeps the model
	// loaded between calls.
	KeepAlive time.Duration
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPClient(cfg.HTTPURL, cfg.Model, cfg.KeepAlive), nil
		}
		return NewMockClient(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("backend HTTP url is required for http mode")
		}
		return NewHTTPClient(cfg.HTTPURL, cfg.Model, cfg.KeepAlive), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Mode)
	}
}
