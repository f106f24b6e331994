package resilience

import (
	"context"

	"github.com/stimmwerk/voxbroker/pkg/provider/tts"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// All backends in the group must emit PCM at the same sample rate: the media
// bridge reads SampleRate once at session start, so a fallback emitting a
// different rate would play back wrong.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// ttsStream pairs the audio and error channels of a started synthesis.
type ttsStream struct {
	audio <-chan []byte
	errs  <-chan error
}

// SynthesizeStream consumes text fragments and returns the audio and error
// channels of the first healthy provider. Only the initial stream setup is
// covered by failover; mid-stream failures are reported on the error channel
// and left to the caller — the text stream is partially consumed by then, so
// replaying it against a fallback would speak a truncated reply.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, <-chan error, error) {
	s, err := ExecuteWithResult(f.group, func(p tts.Provider) (ttsStream, error) {
		audio, errs, err := p.SynthesizeStream(ctx, text, voice)
		return ttsStream{audio: audio, errs: errs}, err
	})
	if err != nil {
		return nil, nil, err
	}
	return s.audio, s.errs, nil
}

// SampleRate returns the primary backend's sample rate.
func (f *TTSFallback) SampleRate() int {
	return f.group.entries[0].value.SampleRate()
}
