// Package retrieval fetches ranked context passages for a question from the
// document index service.
package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Passage is one scored chunk of an indexed document. Rank 1 is the passage
// most similar to the query; ranks are always dense and total within one
// retrieval result.
type Passage struct {
	Text        string `json:"text"`
	SourceDocID string `json:"source_doc_id"`
	Rank        int    `json:"rank"`
}

// Retriever finds the passages most relevant to query within the given
// document set. An empty result is not an error: it means the index holds
// nothing useful for this question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, docIDs []string, topK int) ([]Passage, error)
}

// Config selects and configures a retriever implementation.
type Config struct {
	// Mode is one of "auto", "http", "mock". Auto picks http when HTTPURL is
	// set and falls back to mock otherwise.
	Mode    string
	HTTPURL string
}

// NewRetriever builds a retriever from cfg.
func NewRetriever(cfg Config) (Retriever, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPRetriever(cfg.HTTPURL), nil
		}
		return NewMockRetriever(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, fmt.Errorf("retrieval mode %q requires RETRIEVAL_HTTP_URL", mode)
		}
		return NewHTTPRetriever(cfg.HTTPURL), nil
	case "mock":
		return NewMockRetriever(), nil
	default:
		return nil, fmt.Errorf("unknown retrieval mode %q (expected auto|http|mock)", cfg.Mode)
	}
}
