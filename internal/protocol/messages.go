package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAsk    MessageType = "ask"
	TypeClientCancel MessageType = "cancel"
	TypeAnswerDelta  MessageType = "answer_delta"
	TypeAnswerDone   MessageType = "answer_done"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAsk submits a question against the session's active document set.
type ClientAsk struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Query     string      `json:"query"`
}

// ClientCancel aborts the in-flight answer for the session, if any.
type ClientCancel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// AnswerDelta carries one streamed fragment of the answer text. QueryID ties
// every fragment to the ask that produced it.
type AnswerDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	QueryID   string      `json:"query_id"`
	TextDelta string      `json:"text_delta"`
}

// AnswerDone closes a streamed answer with the full assembled text.
type AnswerDone struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	QueryID   string      `json:"query_id"`
	Answer    string      `json:"answer"`
	Cached    bool        `json:"cached"`
	ElapsedMs int64       `json:"elapsed_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	QueryID   string      `json:"query_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAsk:
		var msg ClientAsk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Query == "" {
			return nil, errors.New("invalid ask")
		}
		return msg, nil
	case TypeClientCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid cancel")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
