package session

import (
	"fmt"

	"github.com/stimmwerk/voxbroker/pkg/provider/vad"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

const (
	// GateSampleRate is the inbound media contract rate in Hz.
	GateSampleRate = 16000

	// GateFrameMs is the classification frame duration.
	GateFrameMs = 30

	// GateFrameSamples is the samples per classification frame at 16 kHz.
	GateFrameSamples = 480

	// GateFrameBytes is the bytes per classification frame (int16 mono).
	GateFrameBytes = GateFrameSamples * 2

	// DefaultSpeechStartFrames is how many consecutive voiced frames open a
	// speech segment (360 ms).
	DefaultSpeechStartFrames = 12

	// DefaultSpeechEndFrames is how many consecutive silent frames close an
	// open segment (600 ms).
	DefaultSpeechEndFrames = 20
)

// Edge marks a speech boundary detected by the gate.
type Edge int

const (
	// EdgeNone means the frame crossed no boundary.
	EdgeNone Edge = iota

	// EdgeSpeechStarted fires on the frame that completes the voiced debounce.
	EdgeSpeechStarted

	// EdgeSpeechEnded fires on the frame that completes the silence debounce
	// of an open segment.
	EdgeSpeechEnded
)

// String returns the edge name.
func (e Edge) String() string {
	switch e {
	case EdgeSpeechStarted:
		return "speech_started"
	case EdgeSpeechEnded:
		return "speech_ended"
	default:
		return "none"
	}
}

// GateFrame is one classified 30 ms frame. Every frame is forwarded to STT
// regardless of classification; Edge is a side signal for the orchestrator.
type GateFrame struct {
	Data   []byte
	Voiced bool
	Edge   Edge
}

// Gate rebuffers arbitrary inbound PCM chunks into exact 30 ms frames,
// classifies each through a VAD session, and debounces the per-frame results
// into speech edges. Not safe for concurrent use; the session's audio loop
// owns it.
type Gate struct {
	handle      vad.SessionHandle
	startFrames int
	endFrames   int

	tail   []byte
	voiced int
	silent int
	active bool
}

// GateOption is a functional option for [NewGate].
type GateOption func(*Gate)

// WithSpeechStartFrames overrides the voiced debounce count.
func WithSpeechStartFrames(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.startFrames = n
		}
	}
}

// WithSpeechEndFrames overrides the silence debounce count.
func WithSpeechEndFrames(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.endFrames = n
		}
	}
}

// NewGate builds a gate over an open VAD session.
func NewGate(handle vad.SessionHandle, opts ...GateOption) *Gate {
	g := &Gate{
		handle:      handle,
		startFrames: DefaultSpeechStartFrames,
		endFrames:   DefaultSpeechEndFrames,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Push consumes an inbound PCM chunk and returns the complete frames it
// yields, each carrying its classification and any edge it crossed. Bytes
// short of a full frame stay buffered for the next chunk. Odd-length input
// is a protocol error.
func (g *Gate) Push(chunk []byte) ([]GateFrame, error) {
	if len(chunk)%2 != 0 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("audio chunk of %d bytes is not int16-aligned", len(chunk))}
	}

	g.tail = append(g.tail, chunk...)

	var frames []GateFrame
	for len(g.tail) >= GateFrameBytes {
		frame := make([]byte, GateFrameBytes)
		copy(frame, g.tail[:GateFrameBytes])
		g.tail = g.tail[GateFrameBytes:]

		event, err := g.handle.ProcessFrame(frame)
		if err != nil {
			return frames, fmt.Errorf("session: vad classify: %w", err)
		}
		voiced := isVoiced(event)
		frames = append(frames, GateFrame{
			Data:   frame,
			Voiced: voiced,
			Edge:   g.advance(voiced),
		})
	}
	return frames, nil
}

// Active reports whether the gate currently considers speech in progress.
func (g *Gate) Active() bool {
	return g.active
}

// Reset drops buffered bytes, clears the debounce state, and resets the
// underlying VAD session.
func (g *Gate) Reset() {
	g.tail = nil
	g.voiced = 0
	g.silent = 0
	g.active = false
	g.handle.Reset()
}

// advance feeds one classification into the debounce state machine and
// returns the edge it produced, if any.
func (g *Gate) advance(voiced bool) Edge {
	if !g.active {
		if voiced {
			g.voiced++
			if g.voiced >= g.startFrames {
				g.active = true
				g.voiced = 0
				g.silent = 0
				return EdgeSpeechStarted
			}
		} else {
			g.voiced = 0
		}
		return EdgeNone
	}

	if voiced {
		g.silent = 0
		return EdgeNone
	}
	g.silent++
	if g.silent >= g.endFrames {
		g.active = false
		g.voiced = 0
		g.silent = 0
		return EdgeSpeechEnded
	}
	return EdgeNone
}

func isVoiced(event types.VADEvent) bool {
	switch event.Type {
	case types.VADSpeechStart, types.VADSpeechContinue:
		return true
	default:
		return false
	}
}
