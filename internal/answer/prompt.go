package answer

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/paperchat-ai/paperchat/internal/retrieval"
)

const (
	promptPreamble = "You are a careful assistant answering questions about the user's documents.\n" +
		"Use only the context passages below. If they do not contain what is needed, " +
		"say that the selected documents do not cover the question instead of guessing."

	promptNoContext = "No supporting passages were found in the selected documents for this question. " +
		"State that clearly and do not fabricate an answer."
)

// buildPrompt renders the fixed prompt template. The same inputs always
// produce byte-identical output; the cache key depends on that.
func buildPrompt(query string, history []ConversationTurn, passages []retrieval.Passage, contextBudget int) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\nContext:\n")

	kept := fitPassages(passages, contextBudget)
	if len(kept) == 0 {
		b.WriteString(promptNoContext)
		b.WriteString("\n")
	} else {
		for _, p := range kept {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", p.Rank, p.SourceDocID, strings.TrimSpace(p.Text))
		}
	}

	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n\nAnswer:", strings.TrimSpace(query))
	return b.String()
}

// fitPassages keeps the best-ranked prefix of passages whose combined text
// fits the character budget: dropping from the bottom of the ranking is the
// cheapest context to lose. When even the top passage alone is over budget
// it is cut at a sentence boundary rather than dropped, so the prompt never
// loses all context to one oversized passage. budget <= 0 disables the cap.
func fitPassages(passages []retrieval.Passage, budget int) []retrieval.Passage {
	sorted := make([]retrieval.Passage, len(passages))
	copy(sorted, passages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	if budget <= 0 {
		return sorted
	}

	var kept []retrieval.Passage
	used := 0
	for _, p := range sorted {
		if used+len(p.Text) <= budget {
			kept = append(kept, p)
			used += len(p.Text)
			continue
		}
		if len(kept) == 0 {
			p.Text = cutAtSentence(p.Text, budget)
			kept = append(kept, p)
		}
		break
	}
	return kept
}

// cutAtSentence truncates text to at most budget bytes, preferring the last
// sentence end in the window, then the last space, then a plain cut aligned
// to a rune boundary.
func cutAtSentence(text string, budget int) string {
	if budget <= 0 || len(text) <= budget {
		return text
	}
	for budget > 0 && !utf8.RuneStart(text[budget]) {
		budget--
	}
	window := text[:budget]
	for i := len(window) - 1; i >= budget/2; i-- {
		switch window[i] {
		case '.', '!', '?', '\n':
			return window[:i+1]
		}
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return window[:i]
	}
	return window
}
