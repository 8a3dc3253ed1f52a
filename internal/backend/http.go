package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient speaks the Ollama-style /api/generate protocol: one JSON object
// for blocking calls, NDJSON fragments for streaming ones.
type HTTPClient struct {
	baseURL   string
	model     string
	keepAlive time.Duration
	client    *http.Client
}

// NewHTTPClient returns a client for an Ollama-compatible endpoint. The
// dispatcher owns call deadlines through ctx, so the underlying http.Client
// sets no timeout of its own.
func NewHTTPClient(baseURL, model string, keepAlive time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:     strings.TrimSpace(model),
		keepAlive: keepAlive,
		client:    &http.Client{},
	}
}

type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	Stream    bool   `json:"stream"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	res, err := c.post(ctx, generateRequest{
		Model:     c.model,
		Prompt:    prompt,
		Stream:    false,
		KeepAlive: c.keepAliveValue(),
	})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var decoded generateResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("model service error: %s", decoded.Error)
	}
	return decoded.Response, nil
}

func (c *HTTPClient) GenerateStream(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error) {
	res, err := c.post(ctx, generateRequest{
		Model:     c.model,
		Prompt:    prompt,
		Stream:    true,
		KeepAlive: c.keepAliveValue(),
	})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var decoded generateResponse
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			return "", fmt.Errorf("decode stream fragment: %w", err)
		}
		if decoded.Error != "" {
			return "", fmt.Errorf("model service error: %s", decoded.Error)
		}
		if decoded.Response != "" {
			out.WriteString(decoded.Response)
			if onDelta != nil {
				if err := onDelta(decoded.Response); err != nil {
					return "", err
				}
			}
		}
		if decoded.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		// Surface the deadline instead of the bare read error so callers can
		// classify a mid-stream timeout the same way as a blocking one.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("read stream: %w", err)
	}
	return out.String(), nil
}

// Warm asks the service to load the model without generating anything. An
// empty prompt with a keep_alive is the conventional load request.
func (c *HTTPClient) Warm(ctx context.Context) error {
	res, err := c.post(ctx, generateRequest{
		Model:     c.model,
		Stream:    false,
		KeepAlive: c.keepAliveValue(),
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	return nil
}

func (c *HTTPClient) post(ctx context.Context, req generateRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		// The transport wraps ctx errors; return them bare so errors.Is
		// works upstream.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("send generate request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}

func (c *HTTPClient) keepAliveValue() string {
	if c.keepAlive <= 0 {
		return ""
	}
	return c.keepAlive.String()
}
