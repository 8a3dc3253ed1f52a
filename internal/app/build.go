package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/paperchat-ai/paperchat/internal/answer"
	"github.com/paperchat-ai/paperchat/internal/backend"
	"github.com/paperchat-ai/paperchat/internal/cache"
	"github.com/paperchat-ai/paperchat/internal/config"
	"github.com/paperchat-ai/paperchat/internal/dispatch"
	"github.com/paperchat-ai/paperchat/internal/httpapi"
	"github.com/paperchat-ai/paperchat/internal/observability"
	"github.com/paperchat-ai/paperchat/internal/retrieval"
	"github.com/paperchat-ai/paperchat/internal/session"
	"github.com/paperchat-ai/paperchat/internal/transcript"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Manager
	Pipeline    *answer.Pipeline
	Dispatcher  *dispatch.Dispatcher
	Transcripts transcript.Store
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB connections etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	transcripts, err := transcript.NewStore(ctx, cfg.DatabaseURL, cfg.TranscriptSQLitePath)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	retriever, err := retrieval.NewRetriever(retrieval.Config{
		Mode:    cfg.RetrievalMode,
		HTTPURL: cfg.RetrievalHTTPURL,
	})
	if err != nil {
		_ = transcripts.Close()
		return nil, fmt.Errorf("retriever init failed: %w", err)
	}

	client, err := backend.NewClient(backend.Config{
		Mode:      cfg.BackendMode,
		HTTPURL:   cfg.BackendHTTPURL,
		Model:     cfg.BackendModel,
		KeepAlive: cfg.BackendKeepAlive,
	})
	if err != nil {
		_ = transcripts.Close()
		return nil, fmt.Errorf("backend client init failed: %w", err)
	}

	dispatcher := dispatch.New(client, dispatch.Config{
		Parallelism:       cfg.BackendParallelism,
		CallTimeout:       cfg.BackendCallTimeout,
		QueueTimeout:      cfg.BackendQueueTimeout,
		KeepAliveInterval: cfg.BackendWarmInterval,
	})
	metrics.RegisterDispatchInFlight(func() float64 {
		return float64(dispatcher.InFlight())
	})

	answerCache := cache.New(cfg.AnswerCacheCapacity)
	answerCache.SetEventHook(func(event cache.Event, _ cache.Key) {
		metrics.CacheEvents.WithLabelValues(string(event)).Inc()
		metrics.CacheEntries.Set(float64(answerCache.Len()))
	})

	pipeline := answer.NewPipeline(answer.Config{
		HistoryWindow:     cfg.AnswerHistoryWindow,
		ContextCharBudget: cfg.AnswerContextCharBudget,
		RetrievalTopK:     cfg.RetrievalTopK,
	}, answerCache, retriever, dispatcher, metrics)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, pipeline, transcripts, metrics)

	cleanup := func() error {
		var errs []string
		if err := transcripts.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Pipeline:    pipeline,
		Dispatcher:  dispatcher,
		Transcripts: transcripts,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}
