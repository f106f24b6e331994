// Package kokoro provides a TTS provider backed by a local Kokoro WebSocket
// sidecar. It implements the tts.Provider interface.
//
// The sidecar speaks a simple request/response protocol over one socket: the
// client sends a JSON synthesis request per text fragment, the server answers
// with a JSON "start" message, a binary WAV stream header, binary PCM chunks,
// and a JSON "end" message. Fragments are synthesised strictly in order, so
// FIFO audio falls out of the protocol.
package kokoro

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/stimmwerk/voxbroker/pkg/provider/tts"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

const (
	defaultEndpoint   = "ws://localhost:8880/ws/tts"
	defaultVoice      = "af_heart"
	defaultSampleRate = 24000

	// wavHeaderSize is the size of the streaming WAV header the sidecar sends
	// before the first PCM chunk of each fragment. The media contract is raw
	// PCM, so the header is stripped.
	wavHeaderSize = 44

	audioChanCapacity = 8
)

// Option is a functional option for configuring the Kokoro Provider.
type Option func(*Provider)

// WithEndpoint overrides the sidecar WebSocket URL.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// WithSampleRate sets the PCM sample rate requested from the sidecar.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithLanguage sets the synthesis language (default "en-us").
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// Provider implements tts.Provider backed by a Kokoro sidecar process.
type Provider struct {
	endpoint   string
	sampleRate int
	language   string
}

// New creates a new Kokoro Provider.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		endpoint:   defaultEndpoint,
		sampleRate: defaultSampleRate,
		language:   "en-us",
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate returns the PCM rate the sidecar is asked to produce.
func (p *Provider) SampleRate() int { return p.sampleRate }

// synthesisRequest is the per-fragment JSON request.
type synthesisRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Language   string  `json:"language,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
}

// controlMessage covers the JSON start/end/error frames from the sidecar.
type controlMessage struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// SynthesizeStream dials the sidecar and synthesises each text fragment in
// turn, emitting raw PCM chunks on the returned channel. A sidecar failure
// mid-synthesis lands on the error channel after the audio channel closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, <-chan error, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("kokoro: dial %s: %w", p.endpoint, err)
	}
	// PCM chunks can be large for long sentences.
	conn.SetReadLimit(1 << 22)

	voiceID := voice.ID
	if voiceID == "" {
		voiceID = defaultVoice
	}

	audioCh := make(chan []byte, audioChanCapacity)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if fragment == "" {
					continue
				}
				if err := p.synthesizeFragment(ctx, conn, fragment, voiceID, voice.SpeedFactor, audioCh); err != nil {
					if ctx.Err() == nil {
						errCh <- err
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, errCh, nil
}

var _ tts.Provider = (*Provider)(nil)

// synthesizeFragment sends one request and forwards its PCM chunks until the
// sidecar reports end-of-synthesis.
func (p *Provider) synthesizeFragment(ctx context.Context, conn *websocket.Conn, fragment, voiceID string, speed float64, audioCh chan<- []byte) error {
	req := synthesisRequest{
		Text:       fragment,
		Voice:      voiceID,
		Language:   p.language,
		Speed:      speed,
		SampleRate: p.sampleRate,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("kokoro: marshal request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("kokoro: send request: %w", err)
	}

	headerStripped := false
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("kokoro: read: %w", err)
		}

		if msgType == websocket.MessageBinary {
			pcm := msg
			if !headerStripped && len(pcm) >= wavHeaderSize {
				pcm = pcm[wavHeaderSize:]
				headerStripped = true
			}
			if len(pcm) == 0 {
				continue
			}
			select {
			case audioCh <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		var cm controlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			continue
		}
		switch cm.Type {
		case "start":
			// Informational; PCM follows.
		case "end":
			return nil
		case "error":
			return fmt.Errorf("kokoro: synthesis failed: %s", cm.Message)
		}
	}
}
