// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments reach the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	ch, errs, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/stimmwerk/voxbroker/pkg/provider/tts"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the channel
	// returned by SynthesizeStream, after the text channel is drained.
	SynthesizeChunks [][]byte

	// PerFragmentChunk, when non-nil, changes emission mode: one copy of this
	// chunk is emitted for every text fragment consumed, as it is consumed.
	// Useful for interruption tests where audio must track text timing.
	PerFragmentChunk []byte

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// StreamFailure, if non-nil, simulates a mid-synthesis failure: the audio
	// channel closes after the configured chunks and the failure is delivered
	// on the error channel.
	StreamFailure error

	// PCMRate is returned by SampleRate. Zero reports 16000.
	PCMRate int

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// Fragments records every text fragment consumed from the text channels of
	// all calls, in order.
	Fragments []string
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that emits audio per the configured mode, then closes. The error
// channel carries StreamFailure when set and closes after the audio channel.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, <-chan error, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	perFragment := p.PerFragmentChunk
	failure := p.StreamFailure
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks)+8)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(ch)
		if failure != nil {
			defer func() { errCh <- failure }()
		}
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					for _, audio := range chunks {
						select {
						case <-ctx.Done():
							return
						case ch <- audio:
						}
					}
					return
				}
				p.mu.Lock()
				p.Fragments = append(p.Fragments, fragment)
				p.mu.Unlock()
				if perFragment != nil {
					audio := make([]byte, len(perFragment))
					copy(audio, perFragment)
					select {
					case <-ctx.Done():
						return
					case ch <- audio:
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, errCh, nil
}

// SampleRate returns PCMRate, defaulting to 16000.
func (p *Provider) SampleRate() int {
	if p.PCMRate > 0 {
		return p.PCMRate
	}
	return 16000
}

// ConsumedFragments returns a copy of all recorded text fragments. Thread-safe.
func (p *Provider) ConsumedFragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Fragments))
	copy(out, p.Fragments)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.Fragments = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
