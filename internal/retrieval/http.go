package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRetriever queries a document index service over HTTP.
type HTTPRetriever struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRetriever(baseURL string) *HTTPRetriever {
	return &HTTPRetriever{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type searchRequest struct {
	Query  string   `json:"query"`
	DocIDs []string `json:"doc_ids"`
	TopK   int      `json:"top_k"`
}

type searchResponse struct {
	Passages []struct {
		Text  string  `json:"text"`
		DocID string  `json:"doc_id"`
		Score float64 `json:"score"`
	} `json:"passages"`
}

// Retrieve posts the query to the index service and returns its passages in
// similarity order. The service returns passages most-similar-first; ranks
// are assigned from that order so they are always dense, even when the
// service omits scores.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, docIDs []string, topK int) ([]Passage, error) {
	payload, err := json.Marshal(searchRequest{
		Query:  query,
		DocIDs: docIDs,
		TopK:   topK,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send search request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("retrieval service status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded searchResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	passages := make([]Passage, 0, len(decoded.Passages))
	for _, p := range decoded.Passages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		passages = append(passages, Passage{
			Text:        p.Text,
			SourceDocID: p.DocID,
			Rank:        len(passages) + 1,
		})
	}
	return passages, nil
}
