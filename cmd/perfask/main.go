package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

type options struct {
	baseURL       string
	userID        string
	docIDs        []string
	asks          int
	interAskDelay time.Duration
	askTimeout    time.Duration
	queries       []string
	verbose       bool
}

type createSessionRequest struct {
	UserID string   `json:"user_id,omitempty"`
	DocIDs []string `json:"doc_ids,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type askRequest struct {
	Query string `json:"query"`
}

type askResponse struct {
	Answer    string `json:"answer"`
	Cached    bool   `json:"cached"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type cacheStatsResponse struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type askResult struct {
	Query   string
	Cached  bool
	Elapsed time.Duration
}

type runSummary struct {
	Asks      int
	CacheHits int
	HitRatio  float64
	P50       time.Duration
	P95       time.Duration
	Min       time.Duration
	Max       time.Duration
}

// Repeating a small query set makes later asks land on the answer cache,
// so a run reports both cold generation latency and hit latency.
var defaultQueries = []string{
	"Summarize the key findings in two sentences.",
	"What limitations do the authors call out?",
	"Which evaluation metrics are reported?",
	"What follow-up work do the authors propose?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfask: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfask: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var queriesRaw string
	var docIDsRaw string
	var interAskMS int
	var askTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "PaperChat base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	flag.StringVar(&docIDsRaw, "doc-ids", "", "document IDs for the session, separated by ','")
	flag.IntVar(&cfg.asks, "asks", 20, "number of asks to fire")
	flag.IntVar(&interAskMS, "inter-ask-ms", 100, "delay between asks in milliseconds")
	flag.IntVar(&askTimeoutMS, "ask-timeout-ms", 30000, "timeout per ask in milliseconds")
	flag.StringVar(&queriesRaw, "queries", "", "queries separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print per-ask progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.asks <= 0 {
		return options{}, fmt.Errorf("asks must be > 0")
	}
	if interAskMS < 0 {
		interAskMS = 0
	}
	if askTimeoutMS < 1000 {
		askTimeoutMS = 1000
	}
	cfg.interAskDelay = time.Duration(interAskMS) * time.Millisecond
	cfg.askTimeout = time.Duration(askTimeoutMS) * time.Millisecond
	cfg.docIDs = splitList(docIDsRaw, ",")

	if strings.TrimSpace(queriesRaw) == "" {
		cfg.queries = append([]string(nil), defaultQueries...)
	} else {
		cfg.queries = splitList(queriesRaw, "|")
		if len(cfg.queries) == 0 {
			return options{}, fmt.Errorf("queries produced no non-empty entries")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("perfask: session=%s asks=%d queries=%d docs=%d\n", sessionID, cfg.asks, len(cfg.queries), len(cfg.docIDs))
	}

	results := make([]askResult, 0, cfg.asks)
	for i := 0; i < cfg.asks; i++ {
		query := cfg.queries[i%len(cfg.queries)]
		start := time.Now()
		res, err := ask(ctx, httpClient, cfg, sessionID, query)
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("ask %d: %w", i+1, err)
		}
		results = append(results, askResult{Query: query, Cached: res.Cached, Elapsed: elapsed})
		if cfg.verbose {
			fmt.Printf("perfask: ask %d/%d cached=%t elapsed=%s server_ms=%d query=%q\n", i+1, cfg.asks, res.Cached, elapsed.Round(time.Millisecond), res.ElapsedMs, query)
		}
		if cfg.interAskDelay > 0 && i < cfg.asks-1 {
			time.Sleep(cfg.interAskDelay)
		}
	}

	sum := summarize(results)
	fmt.Printf("perfask: done asks=%d cache_hits=%d hit_ratio=%.1f%% p50=%s p95=%s min=%s max=%s\n",
		sum.Asks, sum.CacheHits, sum.HitRatio*100,
		sum.P50.Round(time.Millisecond), sum.P95.Round(time.Millisecond),
		sum.Min.Round(time.Millisecond), sum.Max.Round(time.Millisecond))

	stats, err := fetchCacheStats(ctx, httpClient, cfg.baseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfask: cache stats: %v\n", err)
		return nil
	}
	fmt.Printf("perfask: server cache size=%d capacity=%d hits=%d misses=%d evictions=%d\n",
		stats.Size, stats.Capacity, stats.Hits, stats.Misses, stats.Evictions)
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		UserID: cfg.userID,
		DocIDs: cfg.docIDs,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func ask(ctx context.Context, client *http.Client, cfg options, sessionID, query string) (askResponse, error) {
	askCtx, cancel := context.WithTimeout(ctx, cfg.askTimeout)
	defer cancel()

	payload, err := json.Marshal(askRequest{Query: query})
	if err != nil {
		return askResponse{}, err
	}
	req, err := http.NewRequestWithContext(askCtx, http.MethodPost, cfg.baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/ask", bytes.NewReader(payload))
	if err != nil {
		return askResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return askResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return askResponse{}, err
	}
	if res.StatusCode != http.StatusOK {
		return askResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out askResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return askResponse{}, err
	}
	return out, nil
}

func fetchCacheStats(ctx context.Context, client *http.Client, baseURL string) (cacheStatsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/cache/stats", nil)
	if err != nil {
		return cacheStatsResponse{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return cacheStatsResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return cacheStatsResponse{}, err
	}
	if res.StatusCode != http.StatusOK {
		return cacheStatsResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out cacheStatsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return cacheStatsResponse{}, err
	}
	return out, nil
}

func splitList(raw, sep string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func summarize(results []askResult) runSummary {
	sum := runSummary{Asks: len(results)}
	if len(results) == 0 {
		return sum
	}
	durations := make([]time.Duration, 0, len(results))
	sum.Min = results[0].Elapsed
	for _, r := range results {
		durations = append(durations, r.Elapsed)
		if r.Cached {
			sum.CacheHits++
		}
		if r.Elapsed < sum.Min {
			sum.Min = r.Elapsed
		}
		if r.Elapsed > sum.Max {
			sum.Max = r.Elapsed
		}
	}
	sum.HitRatio = float64(sum.CacheHits) / float64(len(results))
	sum.P50 = percentile(durations, 50)
	sum.P95 = percentile(durations, 95)
	return sum
}

// percentile returns the nearest-rank percentile of the given durations.
func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
