package answer

import (
	"strings"
	"testing"

	"github.com/paperchat-ai/paperchat/internal/retrieval"
)

func TestBuildPromptDeterministicAndOrdered(t *testing.T) {
	passages := []retrieval.Passage{
		{Text: "Second best.", SourceDocID: "doc-b", Rank: 2},
		{Text: "Best match.", SourceDocID: "doc-a", Rank: 1},
	}
	history := []ConversationTurn{
		{Role: RoleUser, Text: "earlier question"},
		{Role: RoleAssistant, Text: "earlier answer"},
	}

	first := buildPrompt("what now?", history, passages, 0)
	second := buildPrompt("what now?", history, passages, 0)
	if first != second {
		t.Fatalf("prompt not deterministic")
	}

	if !strings.Contains(first, "Question: what now?") {
		t.Fatalf("prompt missing question: %q", first)
	}
	if !strings.Contains(first, "user: earlier question") || !strings.Contains(first, "assistant: earlier answer") {
		t.Fatalf("prompt missing history turns: %q", first)
	}
	best := strings.Index(first, "Best match.")
	secondBest := strings.Index(first, "Second best.")
	if best < 0 || secondBest < 0 || best > secondBest {
		t.Fatalf("passages not in rank order: best at %d, second at %d", best, secondBest)
	}
	if !strings.HasSuffix(first, "Answer:") {
		t.Fatalf("prompt does not end with the answer cue: %q", first)
	}
}

func TestBuildPromptWithoutContextForbidsFabrication(t *testing.T) {
	got := buildPrompt("anything?", nil, nil, 1000)
	if !strings.Contains(got, "No supporting passages were found") {
		t.Fatalf("prompt missing the empty-context notice: %q", got)
	}
	if !strings.Contains(got, "do not fabricate") {
		t.Fatalf("prompt missing the fabrication ban: %q", got)
	}
}

func TestFitPassagesDropsLowestRankedFirst(t *testing.T) {
	passages := []retrieval.Passage{
		{Text: strings.Repeat("a", 40), SourceDocID: "d", Rank: 1},
		{Text: strings.Repeat("b", 40), SourceDocID: "d", Rank: 2},
		{Text: strings.Repeat("c", 40), SourceDocID: "d", Rank: 3},
	}
	kept := fitPassages(passages, 90)
	if len(kept) != 2 {
		t.Fatalf("len(kept) = %d, want 2", len(kept))
	}
	if kept[0].Rank != 1 || kept[1].Rank != 2 {
		t.Fatalf("kept ranks = [%d %d], want best two", kept[0].Rank, kept[1].Rank)
	}
}

func TestFitPassagesKeepsAllWithoutBudget(t *testing.T) {
	passages := []retrieval.Passage{
		{Text: strings.Repeat("x", 10000), SourceDocID: "d", Rank: 2},
		{Text: "tiny", SourceDocID: "d", Rank: 1},
	}
	kept := fitPassages(passages, 0)
	if len(kept) != 2 {
		t.Fatalf("len(kept) = %d, want all", len(kept))
	}
	if kept[0].Rank != 1 {
		t.Fatalf("kept[0].Rank = %d, want sorted by rank", kept[0].Rank)
	}
}

func TestFitPassagesCutsOversizedTopPassageAtSentence(t *testing.T) {
	text := "First sentence stays. Second sentence is quite a bit longer and spills over."
	kept := fitPassages([]retrieval.Passage{{Text: text, SourceDocID: "d", Rank: 1}}, 40)
	if len(kept) != 1 {
		t.Fatalf("len(kept) = %d, want the top passage cut, not dropped", len(kept))
	}
	if kept[0].Text != "First sentence stays." {
		t.Fatalf("cut text = %q, want the whole first sentence", kept[0].Text)
	}
}

func TestCutAtSentence(t *testing.T) {
	if got := cutAtSentence("short.", 100); got != "short." {
		t.Fatalf("under-budget text changed: %q", got)
	}
	if got := cutAtSentence("one two three four five", 12); got != "one two" {
		t.Fatalf("space fallback = %q, want %q", got, "one two")
	}
	// No boundary at all in the window: plain cut, but never mid-rune.
	got := cutAtSentence(strings.Repeat("é", 20), 7)
	if !strings.HasPrefix(strings.Repeat("é", 20), got) {
		t.Fatalf("hard cut corrupted text: %q", got)
	}
	if len(got) == 0 || len(got) > 7 {
		t.Fatalf("hard cut length = %d, want 1..7 bytes", len(got))
	}
	for _, r := range got {
		if r == '�' {
			t.Fatalf("hard cut split a rune: %q", got)
		}
	}
}
