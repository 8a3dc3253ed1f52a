package backend

import (
	"context"
	"fmt"
	"strings"
)

// MockClient produces deterministic answers without a model service. It
// answers with the question it finds in the prompt, so cache and pipeline
// behavior stay observable end to end.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockAnswer(prompt), nil
}

func (c *MockClient) GenerateStream(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error) {
	text, err := c.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

// Warm is a no-op; the mock has nothing to load.
func (c *MockClient) Warm(ctx context.Context) error {
	return ctx.Err()
}

func buildMockAnswer(prompt string) string {
	question := ""
	for _, line := range strings.Split(prompt, "\n") {
		if q, ok := strings.CutPrefix(line, "Question:"); ok {
			question = strings.TrimSpace(q)
		}
	}
	if question == "" {
		question = strings.TrimSpace(prompt)
	}
	if question == "" {
		return "Mock answer."
	}
	return fmt.Sprintf("Mock answer to: %s", question)
}
