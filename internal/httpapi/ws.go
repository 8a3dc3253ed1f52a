package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/paperchat-ai/paperchat/internal/answer"
	"github.com/paperchat-ai/paperchat/internal/backend"
	"github.com/paperchat-ai/paperchat/internal/protocol"
	"github.com/paperchat-ai/paperchat/internal/session"
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.answerer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "answerer not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	// One ask runs at a time per connection; asks arriving while one is in
	// flight are rejected rather than queued so the client stays in control.
	var askMu sync.Mutex
	var cancelAsk context.CancelFunc
	askDone := make(chan struct{})
	close(askDone)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendEvent(ctx, outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientAsk:
			if msg.SessionID != sessionID {
				s.sendEvent(ctx, outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "session_mismatch",
					Retryable: false,
					Detail:    "ask addressed to a different session",
				})
				continue
			}

			askMu.Lock()
			if cancelAsk != nil {
				askMu.Unlock()
				s.sendEvent(ctx, outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "ask_in_flight",
					Retryable: true,
					Detail:    "an answer is already being generated for this session",
				})
				continue
			}
			askCtx, c := context.WithCancel(ctx)
			cancelAsk = c
			done := make(chan struct{})
			askDone = done
			askMu.Unlock()

			go func(ask protocol.ClientAsk) {
				defer func() {
					askMu.Lock()
					cancelAsk = nil
					askMu.Unlock()
					close(done)
				}()
				s.runAsk(ctx, askCtx, outbound, sess, ask)
			}(msg)

		case protocol.ClientCancel:
			askMu.Lock()
			c := cancelAsk
			askMu.Unlock()
			if c != nil {
				c()
			}
		}

		select {
		case <-ctx.Done():
			break readLoop
		default:
		}
	}

	cancel()
	<-askDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// runAsk resolves one streamed question and reports the result on outbound.
// Deltas are coalesced into readable chunks before they hit the socket.
// askCtx scopes the pipeline call so a cancel stops generation; outbound
// sends run on the connection ctx so the cancel outcome still reaches the
// client.
func (s *Server) runAsk(ctx, askCtx context.Context, outbound chan<- any, sess *session.Session, ask protocol.ClientAsk) {
	queryID := uuid.NewString()
	start := time.Now()

	// The session snapshot from connect time may be stale; pick up document
	// changes made through the REST API since then.
	current, err := s.sessions.Get(sess.ID)
	if err == nil {
		sess = current
	}

	history, err := s.loadHistory(askCtx, sess.ID)
	if err != nil {
		s.sendAskError(ctx, outbound, sess.ID, queryID, "internal", false, err.Error())
		return
	}

	coalescer := backend.NewStreamCoalescer(s.cfg.WSStreamMinChars)
	emit := func(segments []string) error {
		for _, segment := range segments {
			delta := protocol.AnswerDelta{
				Type:      protocol.TypeAnswerDelta,
				SessionID: sess.ID,
				QueryID:   queryID,
				TextDelta: segment,
			}
			select {
			case outbound <- delta:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	text, cached, err := s.answerer.AnswerStream(askCtx, ask.Query, history, sess.ActiveDocIDs, func(delta string) error {
		return emit(coalescer.Consume(delta))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.metrics.AnswersTotal.WithLabelValues("cancelled").Inc()
			s.sendAskError(ctx, outbound, sess.ID, queryID, "cancelled", false, "ask cancelled")
			return
		}
		kind := answer.KindOf(err)
		s.metrics.AnswersTotal.WithLabelValues("error").Inc()
		s.metrics.AnswerErrors.WithLabelValues(string(kind)).Inc()
		s.sendAskError(ctx, outbound, sess.ID, queryID, string(kind), kind.Retryable(), err.Error())
		return
	}
	if err := emit(coalescer.Finalize()); err != nil {
		return
	}

	s.persistExchange(ctx, sess, ask.Query, text)
	s.recordAnswerOutcome(cached)

	s.sendEvent(ctx, outbound, protocol.AnswerDone{
		Type:      protocol.TypeAnswerDone,
		SessionID: sess.ID,
		QueryID:   queryID,
		Answer:    text,
		Cached:    cached,
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) sendAskError(ctx context.Context, outbound chan<- any, sessionID, queryID, code string, retryable bool, detail string) {
	s.sendEvent(ctx, outbound, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		QueryID:   queryID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
	})
}

// sendEvent enqueues without ever blocking the caller past connection
// shutdown. Drops are counted, not retried; the writer owns the socket.
func (s *Server) sendEvent(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.WSMessages.WithLabelValues("dropped", string(t)).Inc()
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAsk:
		return m.Type, true
	case protocol.ClientCancel:
		return m.Type, true
	case protocol.AnswerDelta:
		return m.Type, true
	case protocol.AnswerDone:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
