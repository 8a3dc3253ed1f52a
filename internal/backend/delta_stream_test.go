package backend

import (
	"strings"
	"testing"
)

func TestStreamCoalescerJoinsTokenSizedDeltas(t *testing.T) {
	c := NewStreamCoalescer(16)
	input := "The capital of France is Paris. It sits on the Seine."

	var chunks []string
	for _, tok := range strings.SplitAfter(input, " ") {
		chunks = append(chunks, c.Consume(tok)...)
	}
	chunks = append(chunks, c.Finalize()...)

	if got := strings.Join(chunks, ""); got != input {
		t.Fatalf("joined chunks = %q, want original text", got)
	}
	if len(chunks) >= len(strings.Fields(input)) {
		t.Fatalf("len(chunks) = %d, want far fewer than %d tokens", len(chunks), len(strings.Fields(input)))
	}
}

func TestStreamCoalescerFirstChunkIsFast(t *testing.T) {
	c := NewStreamCoalescer(40)
	chunks := c.Consume("Yes. More detail follows")
	if len(chunks) == 0 {
		t.Fatalf("first short sentence not emitted, want early chunk")
	}
	if chunks[0] != "Yes." {
		t.Fatalf("first chunk = %q, want %q", chunks[0], "Yes.")
	}
}

func TestStreamCoalescerFlushesLongUnpunctuatedRuns(t *testing.T) {
	c := NewStreamCoalescer(10)
	c.emitted = "x" // past the first-chunk threshold
	chunks := c.Consume("alpha beta gamma delta epsilon zeta")
	if len(chunks) == 0 {
		t.Fatalf("no chunk despite buffer over 2x threshold")
	}
	if strings.TrimSpace(chunks[0]) == "" {
		t.Fatalf("chunk is blank: %q", chunks[0])
	}
}

func TestStreamCoalescerFinalizeDrains(t *testing.T) {
	c := NewStreamCoalescer(64)
	if got := c.Consume("tail without boundary"); len(got) != 0 {
		t.Fatalf("Consume() = %v, want buffered (below threshold)", got)
	}
	got := c.Finalize()
	if len(got) != 1 || got[0] != "tail without boundary" {
		t.Fatalf("Finalize() = %v, want the buffered tail", got)
	}
}

func TestNormalizeMinChars(t *testing.T) {
	if got := normalizeMinChars(0); got != 16 {
		t.Fatalf("normalizeMinChars(0) = %d, want 16", got)
	}
	if got := normalizeMinChars(48); got != 48 {
		t.Fatalf("normalizeMinChars(48) = %d, want 48", got)
	}
}
