package answer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/paperchat-ai/paperchat/internal/backend"
	"github.com/paperchat-ai/paperchat/internal/cache"
	"github.com/paperchat-ai/paperchat/internal/dispatch"
	"github.com/paperchat-ai/paperchat/internal/observability"
	"github.com/paperchat-ai/paperchat/internal/retrieval"
)

// Caller issues bounded backend calls. *dispatch.Dispatcher satisfies it.
type Caller interface {
	Call(ctx context.Context, prompt string) (string, error)
	CallStream(ctx context.Context, prompt string, onDelta backend.DeltaHandler) (string, error)
}

// Config holds the pipeline's tuning knobs, supplied at construction.
type Config struct {
	// HistoryWindow is the number of recent turns included in both the cache
	// key and the prompt. <= 0 means the full history.
	HistoryWindow int
	// ContextCharBudget caps the combined passage text in a prompt.
	ContextCharBudget int
	// RetrievalTopK is how many passages to request per question.
	RetrievalTopK int
}

// Pipeline turns (query, history, document set) into a grounded answer,
// consulting the answer cache before paying for retrieval and generation.
type Pipeline struct {
	cfg       Config
	cache     *cache.AnswerCache
	retriever retrieval.Retriever
	caller    Caller
	metrics   *observability.Metrics
}

func NewPipeline(cfg Config, answerCache *cache.AnswerCache, retriever retrieval.Retriever, caller Caller, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		cache:     answerCache,
		retriever: retriever,
		caller:    caller,
		metrics:   metrics,
	}
}

// Answer resolves one question against the active document set.
func (p *Pipeline) Answer(ctx context.Context, query string, history []ConversationTurn, activeDocIDs []string) (string, bool, error) {
	return p.run(ctx, query, history, activeDocIDs, nil)
}

// AnswerStream is Answer with streamed delivery: onDelta sees answer
// fragments in order (a cache hit arrives as a single fragment). The full
// answer is still returned at the end.
func (p *Pipeline) AnswerStream(ctx context.Context, query string, history []ConversationTurn, activeDocIDs []string, onDelta backend.DeltaHandler) (string, bool, error) {
	return p.run(ctx, query, history, activeDocIDs, onDelta)
}

func (p *Pipeline) run(ctx context.Context, query string, history []ConversationTurn, activeDocIDs []string, onDelta backend.DeltaHandler) (string, bool, error) {
	start := time.Now()

	docIDs := normalizeDocIDs(activeDocIDs)
	if err := validateRequest(query, docIDs); err != nil {
		return "", false, err
	}

	key := DeriveKey(query, history, activeDocIDs, p.cfg.HistoryWindow)
	if entry, ok := p.cache.Get(key); ok {
		if onDelta != nil && entry.Answer != "" {
			if err := onDelta(entry.Answer); err != nil {
				return "", false, err
			}
		}
		p.metrics.ObserveAnswerIndicator("cache_hit")
		p.metrics.ObserveAnswerStage("total", time.Since(start))
		return entry.Answer, true, nil
	}

	retrieveStart := time.Now()
	passages, err := p.retriever.Retrieve(ctx, strings.TrimSpace(query), docIDs, p.cfg.RetrievalTopK)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, &Error{Kind: KindRetrievalFailure, Err: err}
	}
	p.metrics.ObserveAnswerStage("retrieve", time.Since(retrieveStart))
	if len(passages) == 0 {
		p.metrics.ObserveAnswerIndicator("no_context")
	}

	prompt := buildPrompt(query, windowTurns(history, p.cfg.HistoryWindow), passages, p.cfg.ContextCharBudget)

	generateStart := time.Now()
	var text string
	if onDelta != nil {
		text, err = p.caller.CallStream(ctx, prompt, onDelta)
	} else {
		text, err = p.caller.Call(ctx, prompt)
	}
	if err != nil {
		return "", false, classifyBackendError(ctx, err)
	}
	p.metrics.ObserveAnswerStage("generate", time.Since(generateStart))

	// Cache writes are gated on full success; failed or cancelled requests
	// never leave partial entries behind.
	p.cache.Put(key, cache.Entry{Answer: text, CreatedAt: time.Now()})
	p.metrics.ObserveAnswerStage("total", time.Since(start))
	return text, false, nil
}

// ResetCache empties the answer cache, e.g. after documents are re-indexed,
// and returns how many entries were dropped.
func (p *Pipeline) ResetCache() int {
	return p.cache.Clear()
}

// CacheStats exposes the cache counters for the stats endpoint.
func (p *Pipeline) CacheStats() cache.Stats {
	return p.cache.Stats()
}

func validateRequest(query string, normalizedDocIDs []string) error {
	if strings.TrimSpace(query) == "" {
		return &Error{Kind: KindInvalidRequest, Err: errors.New("query is empty")}
	}
	if len(normalizedDocIDs) == 0 {
		return &Error{Kind: KindInvalidRequest, Err: errors.New("no documents selected")}
	}
	return nil
}

// classifyBackendError maps dispatcher failures onto the error taxonomy.
// Caller cancellation and caller deadlines pass through untagged so callers
// can distinguish their own aborts from the service's.
func classifyBackendError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return ctx.Err()
	case errors.Is(err, dispatch.ErrCallTimeout):
		return &Error{Kind: KindBackendTimeout, Err: err}
	case errors.Is(err, dispatch.ErrBusy):
		return &Error{Kind: KindBackendBusy, Err: err}
	default:
		return &Error{Kind: KindBackendError, Err: err}
	}
}
