package tts

import (
	"context"
	"strings"
	"testing"
)

// collect runs a fragment sequence through SegmentStream and gathers the
// emitted segments.
func collect(t *testing.T, fragments []string) []string {
	t.Helper()
	in := make(chan string, len(fragments))
	for _, f := range fragments {
		in <- f
	}
	close(in)

	var out []string
	for seg := range SegmentStream(context.Background(), in) {
		out = append(out, seg)
	}
	return out
}

func TestSegmentStream_ShortTextFlushesWholeAtClose(t *testing.T) {
	t.Parallel()

	// Token-sized deltas the way an LLM streams them.
	got := collect(t, []string{"Hel", "lo", " th", "ere", ", how", " can", " I", " help", " you", " tod", "ay?"})
	want := []string{"Hello there, how can I help you today?"}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("segments = %q, want %q", got, want)
	}
}

func TestSegmentStream_CutsAtSentenceBoundaryInsideEnvelope(t *testing.T) {
	t.Parallel()

	first := strings.Repeat("word ", 18) + "done."            // 95 chars, inside [80, 220]
	second := "And here is the rest of the answer, trailing."
	got := collect(t, []string{first + " " + second})

	if len(got) != 2 {
		t.Fatalf("segments = %d (%q), want 2", len(got), got)
	}
	if got[0] != first {
		t.Errorf("first segment = %q, want %q", got[0], first)
	}
	if got[1] != second {
		t.Errorf("second segment = %q, want %q", got[1], second)
	}
}

func TestSegmentStream_EarlyBoundaryMergesIntoNextSentence(t *testing.T) {
	t.Parallel()

	// "Yes." alone is far below the minimum; it rides along with the
	// continuation instead of forming a choppy standalone segment.
	got := collect(t, []string{"Yes. ", "We have three of those in stock right now."})
	if len(got) != 1 {
		t.Fatalf("segments = %q, want a single merged segment", got)
	}
	if !strings.HasPrefix(got[0], "Yes. We have") {
		t.Errorf("merged segment = %q", got[0])
	}
}

func TestSegmentStream_NoBoundaryCutsAtWordBreak(t *testing.T) {
	t.Parallel()

	long := strings.TrimSpace(strings.Repeat("alpha beta gamma ", 20)) // 339 chars, no punctuation
	got := collect(t, []string{long})

	if len(got) < 2 {
		t.Fatalf("segments = %q, want the run split at a word break", got)
	}
	for _, seg := range got {
		if len(seg) > MaxSegmentChars {
			t.Errorf("segment over the ceiling: %d chars", len(seg))
		}
		for _, w := range strings.Fields(seg) {
			switch w {
			case "alpha", "beta", "gamma":
			default:
				t.Errorf("word split across segments: %q", w)
			}
		}
	}
	if strings.Join(strings.Fields(strings.Join(got, " ")), " ") != long {
		t.Errorf("segments lost text: %q", got)
	}
}

func TestSegmentStream_OverlongWordStaysWhole(t *testing.T) {
	t.Parallel()

	word := strings.Repeat("x", MaxSegmentChars+40)
	got := collect(t, []string{word})
	if len(got) != 1 || got[0] != word {
		t.Errorf("spaceless run was split: %d segments", len(got))
	}
}

func TestSegmentStream_DecimalIsNotABoundary(t *testing.T) {
	t.Parallel()

	// The period lands at the end of a fragment; the next fragment continues
	// the number.
	got := collect(t, []string{
		strings.Repeat("pad ", 20) + "It costs 3", ".", "5 euros today. ", "Shipping is free of charge for you.",
	})
	for _, seg := range got {
		if strings.HasSuffix(seg, "3.") && !strings.Contains(seg, "3.5") {
			t.Errorf("segment cut inside a number: %q", seg)
		}
	}
	joined := strings.Join(got, " ")
	if !strings.Contains(joined, "3.5 euros") {
		t.Errorf("number broken across segments: %q", joined)
	}
}

func TestSegmentStream_CancelClosesOutput(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan string)
	out := SegmentStream(ctx, in)
	cancel()

	for range out {
	}
}
