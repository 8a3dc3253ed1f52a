package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/paperchat-ai/paperchat/internal/backend"
	"github.com/paperchat-ai/paperchat/internal/cache"
	"github.com/paperchat-ai/paperchat/internal/dispatch"
	"github.com/paperchat-ai/paperchat/internal/retrieval"
)

type stubRetriever struct {
	calls    int
	passages []retrieval.Passage
	err      error
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, _ []string, _ int) ([]retrieval.Passage, error) {
	s.calls++
	return s.passages, s.err
}

type stubCaller struct {
	calls      int
	text       string
	err        error
	lastPrompt string
}

func (s *stubCaller) Call(ctx context.Context, prompt string) (string, error) {
	s.calls++
	s.lastPrompt = prompt
	if s.err != nil {
		return "", s.err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return s.text, nil
}

func (s *stubCaller) CallStream(ctx context.Context, prompt string, onDelta backend.DeltaHandler) (string, error) {
	text, err := s.Call(ctx, prompt)
	if err != nil {
		return "", err
	}
	if onDelta != nil {
		for _, part := range strings.SplitAfter(text, " ") {
			if err := onDelta(part); err != nil {
				return "", err
			}
		}
	}
	return text, nil
}

func newTestPipeline(r retrieval.Retriever, c Caller) (*Pipeline, *cache.AnswerCache) {
	answerCache := cache.New(8)
	p := NewPipeline(Config{ContextCharBudget: 6000, RetrievalTopK: 5}, answerCache, r, c, nil)
	return p, answerCache
}

func TestAnswerCachesAndShortCircuits(t *testing.T) {
	retriever := &stubRetriever{passages: []retrieval.Passage{{Text: "ctx.", SourceDocID: "d", Rank: 1}}}
	caller := &stubCaller{text: "the grounded answer"}
	p, answerCache := newTestPipeline(retriever, caller)

	history := []ConversationTurn{{Role: RoleUser, Text: "hi"}}

	got, hit, err := p.Answer(context.Background(), "what is it?", history, []string{"d"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if hit {
		t.Fatalf("first Answer() cacheHit = true, want false")
	}
	if got != "the grounded answer" {
		t.Fatalf("Answer() = %q, want backend text", got)
	}
	if answerCache.Len() != 1 {
		t.Fatalf("cache Len() = %d after success, want 1", answerCache.Len())
	}

	got, hit, err = p.Answer(context.Background(), "what is it?", history, []string{"d"})
	if err != nil {
		t.Fatalf("second Answer() error = %v", err)
	}
	if !hit {
		t.Fatalf("second Answer() cacheHit = false, want true")
	}
	if got != "the grounded answer" {
		t.Fatalf("cached Answer() = %q, want same text", got)
	}
	if retriever.calls != 1 || caller.calls != 1 {
		t.Fatalf("hit path touched collaborators: retriever=%d caller=%d, want 1/1", retriever.calls, caller.calls)
	}
}

func TestAnswerRejectsInvalidRequests(t *testing.T) {
	retriever := &stubRetriever{}
	caller := &stubCaller{text: "x"}
	p, answerCache := newTestPipeline(retriever, caller)

	cases := []struct {
		name   string
		query  string
		docIDs []string
	}{
		{"empty query", "", []string{"d"}},
		{"whitespace query", "   \t", []string{"d"}},
		{"no documents", "q", nil},
		{"blank documents", "q", []string{"  ", ""}},
	}
	for _, tc := range cases {
		_, _, err := p.Answer(context.Background(), tc.query, nil, tc.docIDs)
		var tagged *Error
		if !errors.As(err, &tagged) || tagged.Kind != KindInvalidRequest {
			t.Fatalf("%s: error = %v, want KindInvalidRequest", tc.name, err)
		}
	}
	if retriever.calls != 0 || caller.calls != 0 {
		t.Fatalf("invalid requests reached collaborators: retriever=%d caller=%d", retriever.calls, caller.calls)
	}
	if answerCache.Len() != 0 {
		t.Fatalf("invalid request left a cache entry")
	}
}

func TestAnswerRetrievalFailureIsTypedAndNotCached(t *testing.T) {
	retriever := &stubRetriever{err: errors.New("index offline")}
	caller := &stubCaller{text: "x"}
	p, answerCache := newTestPipeline(retriever, caller)

	_, _, err := p.Answer(context.Background(), "q", nil, []string{"d"})
	if KindOf(err) != KindRetrievalFailure {
		t.Fatalf("KindOf(err) = %v, want retrieval_failure (err=%v)", KindOf(err), err)
	}
	if caller.calls != 0 {
		t.Fatalf("backend called after retrieval failure")
	}
	if answerCache.Len() != 0 {
		t.Fatalf("failure was cached")
	}

	// The request is retried from scratch, not served from a poisoned cache.
	retriever.err = nil
	retriever.passages = []retrieval.Passage{{Text: "ok.", SourceDocID: "d", Rank: 1}}
	_, hit, err := p.Answer(context.Background(), "q", nil, []string{"d"})
	if err != nil || hit {
		t.Fatalf("retry after failure: hit=%v err=%v, want fresh miss success", hit, err)
	}
}

func TestAnswerMapsDispatcherErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{dispatch.ErrCallTimeout, KindBackendTimeout},
		{dispatch.ErrBusy, KindBackendBusy},
		{errors.New("connection refused"), KindBackendError},
	}
	for _, tc := range cases {
		retriever := &stubRetriever{}
		caller := &stubCaller{err: tc.err}
		p, answerCache := newTestPipeline(retriever, caller)

		_, _, err := p.Answer(context.Background(), "q", nil, []string{"d"})
		if KindOf(err) != tc.want {
			t.Fatalf("KindOf(%v) = %v, want %v", tc.err, KindOf(err), tc.want)
		}
		if answerCache.Len() != 0 {
			t.Fatalf("%v: failed call was cached", tc.err)
		}
	}
}

func TestAnswerWithZeroPassagesInstructsNoContext(t *testing.T) {
	retriever := &stubRetriever{} // returns no passages
	caller := &stubCaller{text: "the documents do not cover this"}
	p, _ := newTestPipeline(retriever, caller)

	got, hit, err := p.Answer(context.Background(), "q", nil, []string{"d"})
	if err != nil || hit {
		t.Fatalf("Answer() = (%q, %v, %v), want plain success", got, hit, err)
	}
	if !strings.Contains(caller.lastPrompt, "No supporting passages were found") {
		t.Fatalf("prompt missing empty-context instruction: %q", caller.lastPrompt)
	}
}

func TestAnswerStreamDeltasAndCachedReplay(t *testing.T) {
	retriever := &stubRetriever{passages: []retrieval.Passage{{Text: "ctx.", SourceDocID: "d", Rank: 1}}}
	caller := &stubCaller{text: "streamed grounded answer"}
	p, _ := newTestPipeline(retriever, caller)

	var deltas []string
	got, hit, err := p.AnswerStream(context.Background(), "q", nil, []string{"d"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil || hit {
		t.Fatalf("AnswerStream() hit=%v err=%v, want miss success", hit, err)
	}
	if joined := strings.Join(deltas, ""); joined != got {
		t.Fatalf("joined deltas = %q, want %q", joined, got)
	}

	deltas = nil
	got2, hit, err := p.AnswerStream(context.Background(), "q", nil, []string{"d"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil || !hit {
		t.Fatalf("cached AnswerStream() hit=%v err=%v, want hit", hit, err)
	}
	if got2 != got {
		t.Fatalf("cached stream text = %q, want %q", got2, got)
	}
	if len(deltas) != 1 || deltas[0] != got {
		t.Fatalf("cache hit deltas = %v, want single full-answer delta", deltas)
	}
	if caller.calls != 1 {
		t.Fatalf("caller.calls = %d, want 1 (hit must not dispatch)", caller.calls)
	}
}

func TestAnswerHistoryWindowBoundsKeySensitivity(t *testing.T) {
	retriever := &stubRetriever{passages: []retrieval.Passage{{Text: "ctx.", SourceDocID: "d", Rank: 1}}}
	caller := &stubCaller{text: "answer"}
	answerCache := cache.New(8)
	p := NewPipeline(Config{HistoryWindow: 1, ContextCharBudget: 6000, RetrievalTopK: 5}, answerCache, retriever, caller, nil)

	sharedTail := ConversationTurn{Role: RoleAssistant, Text: "same last turn"}
	historyA := []ConversationTurn{{Role: RoleUser, Text: "old A"}, sharedTail}
	historyB := []ConversationTurn{{Role: RoleUser, Text: "old B"}, sharedTail}

	if _, hit, err := p.Answer(context.Background(), "q", historyA, []string{"d"}); err != nil || hit {
		t.Fatalf("seed request: hit=%v err=%v", hit, err)
	}
	_, hit, err := p.Answer(context.Background(), "q", historyB, []string{"d"})
	if err != nil {
		t.Fatalf("windowed request error = %v", err)
	}
	if !hit {
		t.Fatalf("windowed key ignored equal tail: want cache hit when only out-of-window turns differ")
	}
}

func TestAnswerCallerCancellationPassesThrough(t *testing.T) {
	retriever := &stubRetriever{}
	caller := &stubCaller{text: "never used"}
	p, answerCache := newTestPipeline(retriever, caller)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.Answer(ctx, "q", nil, []string{"d"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Answer() error = %v, want context.Canceled", err)
	}
	if answerCache.Len() != 0 {
		t.Fatalf("cancelled request left a cache entry")
	}
}
