// Package transcript persists the conversational turns of each session.
// Stored history feeds prompt assembly and answer-cache key derivation, so
// History must return turns in stable chronological order regardless of
// backend.
package transcript

import (
	"context"
	"strings"
	"time"
)

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves session transcripts.
type Store interface {
	// SaveTurn appends a turn to the session transcript. The store assigns
	// ID, Seq and CreatedAt when the caller leaves them empty.
	SaveTurn(ctx context.Context, record TurnRecord) error
	// History returns the last limit turns of a session in chronological
	// order. limit <= 0 returns the full transcript.
	History(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

// NewStore creates a postgres-backed store when databaseURL is set, a
// sqlite-backed one when sqlitePath is set, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteStore(ctx, sqlitePath)
	}
	return NewInMemoryStore(), nil
}
