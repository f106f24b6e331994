// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Kokoro sidecar) and presents a uniform streaming interface. The primary entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a channel of raw PCM audio bytes as they become available — enabling
// low-latency pipelining between the LLM output and the media bridge.
//
// The package also provides SegmentStream, which re-chunks raw LLM deltas into
// sentence-shaped segments before they reach a backend.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/stimmwerk/voxbroker/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests may
// run in parallel (one per active call).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns a
	// channel that emits raw PCM audio byte slices as they are synthesised. This
	// design allows the caller to pipe LLM streaming output directly into synthesis
	// without waiting for the full text to be available.
	//
	// Audio is strictly FIFO with respect to the consumed text. The returned
	// audio channel is bounded; a slow consumer exerts back-pressure on
	// synthesis. The channel is closed by the implementation when all text has
	// been synthesised or when ctx is cancelled — cancellation sends the
	// provider's stop/close signal and discards remaining audio. The caller
	// must drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// voice specifies the voice profile to use for synthesis. Providers should return
	// an error if the requested voice is not available.
	//
	// The non-channel error is non-nil only when the stream cannot be started.
	// Failures after start are delivered on the error channel: at most one
	// error, buffered, with the channel closed once the audio channel has
	// closed. A clean synthesis yields a closed, empty error channel.
	// Cancellation is not reported there; callers check ctx.Err() for that.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, <-chan error, error)

	// SampleRate returns the sample rate in Hz of the PCM audio emitted by
	// SynthesizeStream. The value is constant for the lifetime of the Provider
	// instance; the media bridge reads it once at stream start and resamples if
	// the transport requires a different rate.
	SampleRate() int
}
