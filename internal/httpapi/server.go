package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/paperchat-ai/paperchat/internal/answer"
	"github.com/paperchat-ai/paperchat/internal/backend"
	"github.com/paperchat-ai/paperchat/internal/cache"
	"github.com/paperchat-ai/paperchat/internal/config"
	"github.com/paperchat-ai/paperchat/internal/observability"
	"github.com/paperchat-ai/paperchat/internal/session"
	"github.com/paperchat-ai/paperchat/internal/transcript"
)

// Answerer resolves questions into grounded answers. *answer.Pipeline
// satisfies it.
type Answerer interface {
	Answer(ctx context.Context, query string, history []answer.ConversationTurn, activeDocIDs []string) (string, bool, error)
	AnswerStream(ctx context.Context, query string, history []answer.ConversationTurn, activeDocIDs []string, onDelta backend.DeltaHandler) (string, bool, error)
	ResetCache() int
	CacheStats() cache.Stats
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	answerer    Answerer
	transcripts transcript.Store
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, answerer Answerer, transcripts transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		answerer:    answerer,
		transcripts: transcripts,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same origin.
				// This prevents other websites from driving the user's chat session if
				// the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Put("/v1/sessions/{id}/documents", s.handleSetDocuments)
	r.Post("/v1/sessions/{id}/ask", s.handleAsk)
	r.Get("/v1/sessions/{id}/history", s.handleHistory)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	r.Post("/v1/answer", s.handleOneShotAnswer)
	r.Post("/v1/cache/reset", s.handleCacheReset)
	r.Get("/v1/cache/stats", s.handleCacheStats)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess := s.sessions.Create(req.UserID, req.DocIDs)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		ActiveDocIDs:    sess.ActiveDocIDs,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type setDocumentsRequest struct {
	DocIDs []string `json:"doc_ids"`
}

func (s *Server) handleSetDocuments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setDocumentsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.SetDocuments(id, req.DocIDs)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("documents_updated").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type askRequest struct {
	Query string `json:"query"`
}

type askResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
	Answer    string `json:"answer"`
	Cached    bool   `json:"cached"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	history, err := s.loadHistory(r.Context(), sess.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	start := time.Now()
	text, cached, err := s.answerer.Answer(r.Context(), req.Query, history, sess.ActiveDocIDs)
	if err != nil {
		s.respondAnswerError(w, r.Context(), err)
		return
	}

	s.persistExchange(r.Context(), sess, req.Query, text)
	s.recordAnswerOutcome(cached)

	respondJSON(w, http.StatusOK, askResponse{
		SessionID: sess.ID,
		Query:     req.Query,
		Answer:    text,
		Cached:    cached,
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

type oneShotRequest struct {
	Query   string                    `json:"query"`
	DocIDs  []string                  `json:"doc_ids"`
	History []answer.ConversationTurn `json:"history,omitempty"`
}

// handleOneShotAnswer serves sessionless clients. The caller supplies any
// conversation history inline; nothing is persisted.
func (s *Server) handleOneShotAnswer(w http.ResponseWriter, r *http.Request) {
	var req oneShotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	start := time.Now()
	text, cached, err := s.answerer.Answer(r.Context(), req.Query, req.History, req.DocIDs)
	if err != nil {
		s.respondAnswerError(w, r.Context(), err)
		return
	}
	s.recordAnswerOutcome(cached)

	respondJSON(w, http.StatusOK, askResponse{
		Query:     req.Query,
		Answer:    text,
		Cached:    cached,
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	turns, err := s.transcripts.History(r.Context(), sess.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if turns == nil {
		turns = []transcript.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"turns":      turns,
	})
}

func (s *Server) handleCacheReset(w http.ResponseWriter, _ *http.Request) {
	dropped := s.answerer.ResetCache()
	// Clear emits no per-entry events, so the gauge is corrected here.
	s.metrics.CacheEntries.Set(0)
	respondJSON(w, http.StatusOK, map[string]any{"dropped": dropped})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.answerer.CacheStats())
}

// sessionFromPath resolves the {id} path parameter, writing the error
// response itself when the session cannot be served.
func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) loadHistory(ctx context.Context, sessionID string) ([]answer.ConversationTurn, error) {
	records, err := s.transcripts.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	turns := make([]answer.ConversationTurn, 0, len(records))
	for _, rec := range records {
		turns = append(turns, answer.ConversationTurn{Role: rec.Role, Text: rec.Content})
	}
	return turns, nil
}

// persistExchange stores a successful question/answer pair. Failed requests
// are not persisted, so a retry sees the same history it had the first time.
func (s *Server) persistExchange(ctx context.Context, sess *session.Session, query, answerText string) {
	if err := s.sessions.RecordQuestion(sess.ID); err != nil {
		log.Printf("httpapi: record question for session %s: %v", sess.ID, err)
	}
	for _, rec := range []transcript.TurnRecord{
		{SessionID: sess.ID, UserID: sess.UserID, Role: answer.RoleUser, Content: query},
		{SessionID: sess.ID, UserID: sess.UserID, Role: answer.RoleAssistant, Content: answerText},
	} {
		if err := s.transcripts.SaveTurn(ctx, transcript.Sanitize(rec)); err != nil {
			log.Printf("httpapi: save %s turn for session %s: %v", rec.Role, sess.ID, err)
		}
	}
}

func (s *Server) recordAnswerOutcome(cached bool) {
	outcome := "generated"
	if cached {
		outcome = "cache_hit"
	}
	s.metrics.AnswersTotal.WithLabelValues(outcome).Inc()
}

// respondAnswerError maps pipeline failures onto HTTP statuses. A cancelled
// request gets no response body; the client is already gone.
func (s *Server) respondAnswerError(w http.ResponseWriter, ctx context.Context, err error) {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		s.metrics.AnswersTotal.WithLabelValues("cancelled").Inc()
		return
	}

	kind := answer.KindOf(err)
	s.metrics.AnswersTotal.WithLabelValues("error").Inc()
	s.metrics.AnswerErrors.WithLabelValues(string(kind)).Inc()
	respondJSON(w, answerErrorStatus(kind), errorResponse{
		Error:     err.Error(),
		Code:      string(kind),
		Retryable: kind.Retryable(),
	})
}

func answerErrorStatus(kind answer.Kind) int {
	switch kind {
	case answer.KindInvalidRequest:
		return http.StatusBadRequest
	case answer.KindBackendBusy:
		return http.StatusServiceUnavailable
	case answer.KindBackendTimeout:
		return http.StatusGatewayTimeout
	case answer.KindRetrievalFailure, answer.KindBackendError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
