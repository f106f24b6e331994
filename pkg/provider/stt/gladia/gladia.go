// Package gladia provides a Gladia-backed STT provider using the Gladia
// real-time API. It implements the stt.Provider interface.
//
// Gladia uses a two-step handshake: a REST POST to /v2/live registers the
// session and returns a one-time WebSocket URL, then audio is streamed to that
// socket as binary frames.
package gladia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/stimmwerk/voxbroker/pkg/provider/stt"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

const (
	defaultBaseURL    = "https://api.gladia.io"
	defaultModel      = "solaria-1"
	defaultSampleRate = 16000

	// endpointing is the silence duration, in seconds, after which Gladia
	// finalises an utterance.
	endpointing = 0.05

	drainTimeout = 500 * time.Millisecond
)

// Option is a functional option for configuring the Gladia Provider.
type Option func(*Provider)

// WithBaseURL overrides the Gladia API base URL.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithModel sets the recognition model (default "solaria-1").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage pins recognition to a single language code (e.g., "en", "sk").
// Unset lets Gladia auto-detect.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithHTTPClient overrides the HTTP client used for the session-init request.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// Provider implements stt.Provider backed by the Gladia real-time API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Gladia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gladia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// initRequest is the body of the POST /v2/live session registration.
type initRequest struct {
	Encoding       string          `json:"encoding"`
	BitDepth       int             `json:"bit_depth"`
	SampleRate     int             `json:"sample_rate"`
	Channels       int             `json:"channels"`
	Model          string          `json:"model"`
	Endpointing    float64         `json:"endpointing"`
	MaxDuration    int             `json:"maximum_duration_without_endpointing"`
	Messages       messagesConfig  `json:"messages_config"`
	LanguageConfig *languageConfig `json:"language_config,omitempty"`
}

type messagesConfig struct {
	ReceivePartialTranscripts bool `json:"receive_partial_transcripts"`
	ReceiveFinalTranscripts   bool `json:"receive_final_transcripts"`
	ReceiveSpeechEvents       bool `json:"receive_speech_events"`
	ReceiveAcknowledgments    bool `json:"receive_acknowledgments"`
	ReceiveErrors             bool `json:"receive_errors"`
	ReceiveLifecycleEvents    bool `json:"receive_lifecycle_events"`
}

type languageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching"`
}

type initResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StartStream registers a live session via REST and connects to the returned
// WebSocket URL.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.initSession(ctx, cfg)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gladia: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// initSession performs the REST handshake and returns the socket URL.
func (p *Provider) initSession(ctx context.Context, cfg stt.StreamConfig) (string, error) {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	body := initRequest{
		Encoding:    "wav/pcm",
		BitDepth:    16,
		SampleRate:  sr,
		Channels:    channels,
		Model:       model,
		Endpointing: endpointing,
		MaxDuration: 5,
		Messages: messagesConfig{
			ReceivePartialTranscripts: true,
			ReceiveFinalTranscripts:   true,
			ReceiveSpeechEvents:       true,
			ReceiveErrors:             true,
		},
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		body.LanguageConfig = &languageConfig{Languages: []string{lang}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("gladia: marshal init request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/live", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("gladia: build init request: %w", err)
	}
	req.Header.Set("x-gladia-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gladia: init session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("gladia: init session: status %d: %s", resp.StatusCode, msg)
	}

	var ir initResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return "", fmt.Errorf("gladia: decode init response: %w", err)
	}
	if ir.URL == "" {
		return "", errors.New("gladia: init response missing socket URL")
	}
	return ir.URL, nil
}

// ---- session ----

// transcriptMessage is the Gladia live message carrying recognition results.
type transcriptMessage struct {
	Type string `json:"type"`
	Data struct {
		IsFinal   bool `json:"is_final"`
		Utterance struct {
			Text       string  `json:"text"`
			Language   string  `json:"language"`
			Confidence float64 `json:"confidence"`
		} `json:"utterance"`
	} `json:"data"`
}

// session is a live Gladia streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Gladia.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("gladia: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("gladia: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Close sends stop_recording, waits briefly for flush-triggered finals, then
// tears down the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"stop_recording"}`))
		select {
		case <-s.readDone:
		case <-time.After(drainTimeout):
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop forwards queued audio chunks as binary frames.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives live messages and dispatches transcripts. Speech events,
// acknowledgments, and lifecycle messages are ignored.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.readDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var tm transcriptMessage
		if err := json.Unmarshal(msg, &tm); err != nil {
			continue
		}
		if tm.Type != "transcript" || tm.Data.Utterance.Text == "" {
			continue
		}

		t := types.Transcript{
			Text:       tm.Data.Utterance.Text,
			IsFinal:    tm.Data.IsFinal,
			Confidence: tm.Data.Utterance.Confidence,
			Language:   tm.Data.Utterance.Language,
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
				select {
				case s.finals <- t:
				default:
				}
			}
		} else {
			select {
			case s.partials <- t:
			default:
			}
		}
	}
}
