// Package answer implements the query-answering engine: request
// fingerprinting, the retrieval-augmented pipeline, and its error taxonomy.
package answer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/paperchat-ai/paperchat/internal/cache"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationTurn is one prior message in the session.
type ConversationTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type keyPayload struct {
	Query   string             `json:"query"`
	History []ConversationTurn `json:"history"`
	DocIDs  []string           `json:"doc_ids"`
}

// DeriveKey fingerprints everything that determines an answer: the trimmed
// query, the last historyWindow turns in chronological order (all turns when
// historyWindow <= 0), and the sorted de-duplicated document set. The
// payload is JSON-encoded before hashing so distinct inputs can never
// collide through concatenation ambiguity, and logically equal requests
// (same trimmed query, same turns, same doc set in any order) always map to
// the same key.
func DeriveKey(query string, history []ConversationTurn, activeDocIDs []string, historyWindow int) cache.Key {
	payload := keyPayload{
		Query:   strings.TrimSpace(query),
		History: windowTurns(history, historyWindow),
		DocIDs:  normalizeDocIDs(activeDocIDs),
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return cache.Key(hex.EncodeToString(sum[:]))
}

// windowTurns returns the last window turns, oldest first. window <= 0 keeps
// the full history. The result is never nil so the encoded form is stable.
func windowTurns(history []ConversationTurn, window int) []ConversationTurn {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	out := make([]ConversationTurn, len(history))
	copy(out, history)
	return out
}

func normalizeDocIDs(docIDs []string) []string {
	out := make([]string, 0, len(docIDs))
	for _, id := range docIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	dedup := out[:0]
	for _, id := range out {
		if len(dedup) > 0 && dedup[len(dedup)-1] == id {
			continue
		}
		dedup = append(dedup, id)
	}
	return dedup
}
