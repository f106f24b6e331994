package tts

import (
	"context"
	"strings"
)

const (
	// MinSegmentChars is the preferred minimum length of a synthesis segment.
	// Sentence boundaries before this point are merged into the next sentence
	// so very short fragments do not produce choppy prosody.
	MinSegmentChars = 80

	// MaxSegmentChars is the hard ceiling on segment length. Text with no
	// usable sentence boundary inside the window is cut at a word boundary
	// instead, never mid-word.
	MaxSegmentChars = 220

	// segmentBuffer bounds the segmented output channel.
	segmentBuffer = 8
)

// SegmentStream re-chunks a stream of arbitrary text fragments (typically raw
// LLM deltas) into synthesis segments. Segments are cut at sentence
// boundaries within the [MinSegmentChars, MaxSegmentChars] envelope; whatever
// remains when in closes is flushed as a final segment. The returned channel
// closes after the flush or when ctx is cancelled.
func SegmentStream(ctx context.Context, in <-chan string) <-chan string {
	out := make(chan string, segmentBuffer)
	go func() {
		defer close(out)
		var buf strings.Builder
		emit := func(seg string) bool {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				return true
			}
			select {
			case out <- seg:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case fragment, ok := <-in:
				if !ok {
					emit(buf.String())
					return
				}
				buf.WriteString(fragment)
				s := buf.String()
				for {
					cut := segmentCut(s)
					if cut <= 0 {
						break
					}
					if !emit(s[:cut]) {
						return
					}
					s = strings.TrimLeft(s[cut:], " \t\n\r")
				}
				buf.Reset()
				buf.WriteString(s)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// segmentCut returns the byte offset to cut s at, or 0 when no segment is
// ready yet. The preferred cut is the first sentence boundary landing inside
// the length envelope; past MaxSegmentChars the cut degrades to the last
// boundary seen, then the last word break inside the window, then the first
// word break anywhere. A spaceless run longer than MaxSegmentChars stays
// uncut rather than splitting a word.
func segmentCut(s string) int {
	lastBoundary := 0
	limit := min(len(s), MaxSegmentChars)
	for i := 0; i < limit; i++ {
		if !sentenceBoundary(s, i) {
			continue
		}
		if i+1 >= MinSegmentChars {
			return i + 1
		}
		lastBoundary = i + 1
	}
	if len(s) <= MaxSegmentChars {
		return 0
	}
	if lastBoundary > 0 {
		return lastBoundary
	}
	if i := strings.LastIndexByte(s[:MaxSegmentChars+1], ' '); i > 0 {
		return i
	}
	if i := strings.IndexByte(s, ' '); i > 0 {
		return i
	}
	return 0
}

// sentenceBoundary reports whether s[i] ends a sentence: terminal punctuation
// followed by whitespace. Punctuation at the very end of the buffer is not a
// boundary — the next fragment may continue the token ("3." → "3.5").
func sentenceBoundary(s string, i int) bool {
	switch s[i] {
	case '.', '!', '?':
	default:
		return false
	}
	if i+1 >= len(s) {
		return false
	}
	switch s[i+1] {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
