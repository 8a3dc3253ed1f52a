package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// MockRetriever fabricates deterministic passages so the service can run
// without an index. Useful for local development and tests.
type MockRetriever struct{}

func NewMockRetriever() *MockRetriever {
	return &MockRetriever{}
}

// Retrieve returns one synthetic passage per document, capped at topK. The
// same inputs always produce the same passages.
func (m *MockRetriever) Retrieve(_ context.Context, query string, docIDs []string, topK int) ([]Passage, error) {
	if topK <= 0 {
		topK = len(docIDs)
	}
	passages := make([]Passage, 0, len(docIDs))
	for _, id := range docIDs {
		if len(passages) >= topK {
			break
		}
		passages = append(passages, Passage{
			Text:        fmt.Sprintf("Mock passage from %s covering %q.", id, strings.TrimSpace(query)),
			SourceDocID: id,
			Rank:        len(passages) + 1,
		})
	}
	return passages, nil
}
