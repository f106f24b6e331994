package session

import (
	"errors"
	"testing"

	vadmock "github.com/stimmwerk/voxbroker/pkg/provider/vad/mock"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

func voiceEvents(n int) []types.VADEvent {
	events := make([]types.VADEvent, n)
	for i := range events {
		events[i] = types.VADEvent{Type: types.VADSpeechContinue, Probability: 0.9}
	}
	return events
}

func silenceEvents(n int) []types.VADEvent {
	events := make([]types.VADEvent, n)
	for i := range events {
		events[i] = types.VADEvent{Type: types.VADSilence, Probability: 0.1}
	}
	return events
}

func TestGate_ReframesToExactFrames(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{}
	gate := NewGate(sess)

	// 2.5 frames in unaligned chunks.
	var frames []GateFrame
	for _, size := range []int{100, 900, 800, 600} {
		out, err := gate.Push(make([]byte, size))
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, out...)
	}

	if len(frames) != 2 {
		t.Fatalf("complete frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != GateFrameBytes {
			t.Errorf("frame %d: %d bytes, want %d", i, len(f.Data), GateFrameBytes)
		}
	}
	// 2400 bytes in, 1920 consumed; the 480-byte tail flushes with the next chunk.
	out, err := gate.Push(make([]byte, GateFrameBytes-480))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Errorf("tail not carried over: got %d frames", len(out))
	}
	if got := len(sess.ProcessFrameCalls); got != 3 {
		t.Errorf("ProcessFrame calls = %d, want 3", got)
	}
}

func TestGate_OddChunkIsProtocolError(t *testing.T) {
	t.Parallel()

	gate := NewGate(&vadmock.Session{})
	_, err := gate.Push(make([]byte, 961))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestGate_SpeechStartDebounce(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Events: voiceEvents(DefaultSpeechStartFrames)}
	gate := NewGate(sess)

	frames, err := gate.Push(make([]byte, GateFrameBytes*DefaultSpeechStartFrames))
	if err != nil {
		t.Fatal(err)
	}
	for i, f := range frames[:len(frames)-1] {
		if f.Edge != EdgeNone {
			t.Errorf("frame %d: premature edge %v", i, f.Edge)
		}
	}
	if last := frames[len(frames)-1]; last.Edge != EdgeSpeechStarted {
		t.Errorf("last frame edge = %v, want speech_started", last.Edge)
	}
	if !gate.Active() {
		t.Error("gate should be active after speech start")
	}
}

func TestGate_VoiceRunBelowThresholdNoEdge(t *testing.T) {
	t.Parallel()

	events := append(voiceEvents(DefaultSpeechStartFrames-1), silenceEvents(1)...)
	gate := NewGate(&vadmock.Session{Events: events})

	frames, err := gate.Push(make([]byte, GateFrameBytes*len(events)))
	if err != nil {
		t.Fatal(err)
	}
	for i, f := range frames {
		if f.Edge != EdgeNone {
			t.Errorf("frame %d: unexpected edge %v", i, f.Edge)
		}
	}
	if gate.Active() {
		t.Error("gate should not be active")
	}
}

func TestGate_SpeechEndDebounce(t *testing.T) {
	t.Parallel()

	events := append(voiceEvents(DefaultSpeechStartFrames), silenceEvents(DefaultSpeechEndFrames)...)
	gate := NewGate(&vadmock.Session{Events: events})

	frames, err := gate.Push(make([]byte, GateFrameBytes*len(events)))
	if err != nil {
		t.Fatal(err)
	}
	if last := frames[len(frames)-1]; last.Edge != EdgeSpeechEnded {
		t.Errorf("last frame edge = %v, want speech_ended", last.Edge)
	}
	if gate.Active() {
		t.Error("gate should be inactive after speech end")
	}
}

func TestGate_SilenceBlipDoesNotEndSpeech(t *testing.T) {
	t.Parallel()

	// Speech, a short silence blip, more speech: no end edge.
	events := voiceEvents(DefaultSpeechStartFrames)
	events = append(events, silenceEvents(DefaultSpeechEndFrames-1)...)
	events = append(events, voiceEvents(3)...)
	gate := NewGate(&vadmock.Session{Events: events})

	frames, err := gate.Push(make([]byte, GateFrameBytes*len(events)))
	if err != nil {
		t.Fatal(err)
	}
	for i, f := range frames {
		if f.Edge == EdgeSpeechEnded {
			t.Errorf("frame %d: spurious speech_ended", i)
		}
	}
	if !gate.Active() {
		t.Error("gate should still be active")
	}
}

func TestGate_EveryFrameForwarded(t *testing.T) {
	t.Parallel()

	// Silence frames are still returned: the gate never withholds audio
	// from STT.
	gate := NewGate(&vadmock.Session{Events: silenceEvents(4)})
	frames, err := gate.Push(make([]byte, GateFrameBytes*4))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 {
		t.Errorf("frames = %d, want 4", len(frames))
	}
	for i, f := range frames {
		if f.Voiced {
			t.Errorf("frame %d: classified voiced on silence", i)
		}
	}
}

func TestGate_CustomThresholds(t *testing.T) {
	t.Parallel()

	gate := NewGate(&vadmock.Session{Events: voiceEvents(3)},
		WithSpeechStartFrames(3), WithSpeechEndFrames(2))
	frames, err := gate.Push(make([]byte, GateFrameBytes*3))
	if err != nil {
		t.Fatal(err)
	}
	if frames[2].Edge != EdgeSpeechStarted {
		t.Errorf("edge = %v, want speech_started at frame 3", frames[2].Edge)
	}
}

func TestGate_Reset(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Events: voiceEvents(DefaultSpeechStartFrames)}
	gate := NewGate(sess)
	if _, err := gate.Push(make([]byte, GateFrameBytes*DefaultSpeechStartFrames+100)); err != nil {
		t.Fatal(err)
	}
	if !gate.Active() {
		t.Fatal("gate should be active before reset")
	}

	gate.Reset()
	if gate.Active() {
		t.Error("reset should clear the active flag")
	}
	if sess.ResetCallCount != 1 {
		t.Errorf("vad session Reset calls = %d, want 1", sess.ResetCallCount)
	}
	// The buffered tail is dropped: a fresh sub-frame chunk yields nothing.
	frames, err := gate.Push(make([]byte, GateFrameBytes-100))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Errorf("stale tail survived reset: %d frames", len(frames))
	}
}
