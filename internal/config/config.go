package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the document QA service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	AnswerCacheCapacity     int
	AnswerHistoryWindow     int
	AnswerContextCharBudget int

	RetrievalMode    string
	RetrievalHTTPURL string
	RetrievalTopK    int

	BackendMode         string
	BackendHTTPURL      string
	BackendModel        string
	BackendKeepAlive    time.Duration
	BackendParallelism  int
	BackendCallTimeout  time.Duration
	BackendQueueTimeout time.Duration
	BackendWarmInterval time.Duration

	WSStreamMinChars int

	DatabaseURL          string
	TranscriptSQLitePath string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "paperchat"),
		AllowAnyOrigin:   false,
		RetrievalMode:    envOrDefault("RETRIEVAL_MODE", "auto"),
		RetrievalHTTPURL: stringsTrimSpace("RETRIEVAL_HTTP_URL"),
		BackendMode:      envOrDefault("BACKEND_MODE", "auto"),
		BackendHTTPURL:   stringsTrimSpace("BACKEND_HTTP_URL"),
		// Default to a small general model so a stock Ollama install works.
		BackendModel:         envOrDefault("BACKEND_MODEL", "llama3.2"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		TranscriptSQLitePath: stringsTrimSpace("TRANSCRIPT_SQLITE_PATH"),
		AnswerCacheCapacity:  100,
		// 0 keys the cache on the full conversation history.
		AnswerHistoryWindow:     0,
		AnswerContextCharBudget: 6000,
		RetrievalTopK:           5,
		BackendParallelism:      4,
		// 0 queues until a slot frees; set a value to fail fast with busy.
		BackendQueueTimeout:      0,
		BackendCallTimeout:       120 * time.Second,
		BackendKeepAlive:         10 * time.Minute,
		BackendWarmInterval:      4 * time.Minute,
		WSStreamMinChars:         0,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.AnswerCacheCapacity, err = intFromEnv("ANSWER_CACHE_CAPACITY", cfg.AnswerCacheCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.AnswerHistoryWindow, err = intFromEnv("ANSWER_HISTORY_WINDOW", cfg.AnswerHistoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.AnswerContextCharBudget, err = intFromEnv("ANSWER_CONTEXT_CHAR_BUDGET", cfg.AnswerContextCharBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalTopK, err = intFromEnv("RETRIEVAL_TOP_K", cfg.RetrievalTopK)
	if err != nil {
		return Config{}, err
	}

	cfg.BackendParallelism, err = intFromEnv("BACKEND_PARALLELISM", cfg.BackendParallelism)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendCallTimeout, err = durationFromEnv("BACKEND_CALL_TIMEOUT", cfg.BackendCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendQueueTimeout, err = durationFromEnv("BACKEND_QUEUE_TIMEOUT", cfg.BackendQueueTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendKeepAlive, err = durationFromEnv("BACKEND_KEEP_ALIVE", cfg.BackendKeepAlive)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendWarmInterval, err = durationFromEnv("BACKEND_WARM_INTERVAL", cfg.BackendWarmInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.WSStreamMinChars, err = intFromEnv("WS_STREAM_MIN_CHARS", cfg.WSStreamMinChars)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.AnswerCacheCapacity <= 0 {
		return Config{}, fmt.Errorf("ANSWER_CACHE_CAPACITY must be positive")
	}
	if cfg.AnswerHistoryWindow < 0 {
		return Config{}, fmt.Errorf("ANSWER_HISTORY_WINDOW must be >= 0")
	}
	if cfg.AnswerContextCharBudget < 0 {
		return Config{}, fmt.Errorf("ANSWER_CONTEXT_CHAR_BUDGET must be >= 0")
	}
	if cfg.RetrievalTopK <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if cfg.BackendParallelism <= 0 {
		return Config{}, fmt.Errorf("BACKEND_PARALLELISM must be positive")
	}
	if cfg.BackendCallTimeout <= 0 {
		return Config{}, fmt.Errorf("BACKEND_CALL_TIMEOUT must be positive")
	}
	if cfg.BackendQueueTimeout < 0 {
		return Config{}, fmt.Errorf("BACKEND_QUEUE_TIMEOUT must be >= 0")
	}
	if cfg.WSStreamMinChars < 0 {
		return Config{}, fmt.Errorf("WS_STREAM_MIN_CHARS must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
