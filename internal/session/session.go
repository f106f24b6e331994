package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stimmwerk/voxbroker/internal/observe"
	"github.com/stimmwerk/voxbroker/internal/rag"
	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/internal/tools"
	"github.com/stimmwerk/voxbroker/pkg/provider/llm"
	"github.com/stimmwerk/voxbroker/pkg/provider/stt"
	"github.com/stimmwerk/voxbroker/pkg/provider/tts"
	"github.com/stimmwerk/voxbroker/pkg/provider/vad"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

const (
	// sttConnectTimeout bounds the lazy STT session open on the first frame.
	sttConnectTimeout = 5 * time.Second

	// inboundBuffer is the depth of the inbound audio channel: two 30 ms
	// frames, about 60 ms of audio. A stalled pipeline drops frames rather
	// than stalling the transport.
	inboundBuffer = 2

	// eventBuffer is the depth of the session event channel.
	eventBuffer = 32

	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
)

// Services bundles the providers a session depends on. All pipeline providers
// are required; Retriever, Metrics, and Logger are optional.
type Services struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	// Retriever supplies catalog context per turn. Nil disables retrieval.
	Retriever *rag.Retriever

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (s Services) validate() error {
	var errs []error
	if s.STT == nil {
		errs = append(errs, errors.New("session: STT provider is required"))
	}
	if s.LLM == nil {
		errs = append(errs, errors.New("session: LLM provider is required"))
	}
	if s.TTS == nil {
		errs = append(errs, errors.New("session: TTS provider is required"))
	}
	if s.VAD == nil {
		errs = append(errs, errors.New("session: VAD engine is required"))
	}
	return errors.Join(errs...)
}

// Config holds the per-call parameters of a session.
type Config struct {
	// Agent is the persona answering this call.
	Agent *store.Agent

	// Executor runs the agent's tool calls. Nil disables tools. The session
	// owns it and closes it on Close.
	Executor *tools.Executor

	// Conversation is the message history backing this call. Required; the
	// session manager obtains it from its ConversationStore.
	Conversation *Conversation

	// Language overrides the agent's language for STT recognition.
	Language string

	// STTModel selects the recognition model. Empty uses the provider default.
	STTModel string

	// TransportRate resamples outbound audio to a fixed rate when the
	// transport demands one. Zero emits at the TTS native rate.
	TransportRate int

	// SpeechStartFrames / SpeechEndFrames override the gate debounce counts.
	// Zero uses the defaults.
	SpeechStartFrames int
	SpeechEndFrames   int
}

// Session is one live call: the inbound audio path (gate → STT), the turn
// orchestrator, and the outbound media bridge. Create with [New], feed with
// [Session.PushAudio], consume [Session.Audio] and [Session.Events], and
// [Session.Close] when the call ends.
type Session struct {
	ID string

	svc    Services
	cfg    Config
	orch   *orchestrator
	gate   *Gate
	bridge *Bridge
	logger *slog.Logger

	inbound chan []byte
	events  chan Event

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sttSess   stt.SessionHandle
	vadSess   vad.SessionHandle
	started   bool
	closed    bool
	closeErr  error
	closeOnce sync.Once
}

// New builds a session. It does not touch any provider; Start does.
func New(svc Services, cfg Config) (*Session, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if cfg.Agent == nil {
		return nil, errors.New("session: agent is required")
	}
	if cfg.Conversation == nil {
		return nil, errors.New("session: conversation is required")
	}
	if svc.Metrics == nil {
		svc.Metrics = observe.DefaultMetrics()
	}
	if svc.Logger == nil {
		svc.Logger = slog.Default()
	}

	id := uuid.NewString()
	logger := svc.Logger.With("component", "session", "session_id", id, "agent", cfg.Agent.Slug)

	s := &Session{
		ID:      id,
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan []byte, inboundBuffer),
		events:  make(chan Event, eventBuffer),
		bridge:  NewBridge(svc.TTS.SampleRate(), cfg.TransportRate),
	}
	return s, nil
}

// Start opens the VAD session, launches the audio loop, and plays the
// agent's greeting. The session runs until Close; ctx only bounds startup.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	if s.closed {
		s.mu.Unlock()
		return errors.New("session: closed")
	}
	s.started = true
	s.mu.Unlock()

	vadSess, err := s.svc.VAD.NewSession(vad.Config{
		SampleRate:       GateSampleRate,
		FrameSizeMs:      GateFrameMs,
		SpeechThreshold:  defaultSpeechThreshold,
		SilenceThreshold: defaultSilenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("session: open vad session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx = runCtx
	s.cancel = cancel

	var gateOpts []GateOption
	if s.cfg.SpeechStartFrames > 0 {
		gateOpts = append(gateOpts, WithSpeechStartFrames(s.cfg.SpeechStartFrames))
	}
	if s.cfg.SpeechEndFrames > 0 {
		gateOpts = append(gateOpts, WithSpeechEndFrames(s.cfg.SpeechEndFrames))
	}
	gate := NewGate(vadSess, gateOpts...)

	orch := &orchestrator{
		agent:     s.cfg.Agent,
		conv:      s.cfg.Conversation,
		llmP:      s.svc.LLM,
		ttsP:      s.svc.TTS,
		retriever: s.svc.Retriever,
		executor:  s.cfg.Executor,
		bridge:    s.bridge,
		metrics:   s.svc.Metrics,
		logger:    s.logger,
		events:    s.events,
		baseCtx:   runCtx,
		voice: types.VoiceProfile{
			ID:       s.cfg.Agent.VoiceID,
			Provider: s.cfg.Agent.VoiceProvider,
		},
		temperature: float64(s.cfg.Agent.Temperature),
		maxTokens:   s.cfg.Agent.MaxTokens,
	}

	s.mu.Lock()
	s.vadSess = vadSess
	s.gate = gate
	s.orch = orch
	s.mu.Unlock()

	s.svc.Metrics.ActiveSessions.Add(runCtx, 1)
	s.logger.Info("session started",
		"language", s.language(),
		"greeting", s.cfg.Agent.Greeting != "")

	s.wg.Add(1)
	go s.audioLoop()

	if s.cfg.Agent.Greeting != "" {
		orch.greet(s.cfg.Agent.Greeting)
	}
	return nil
}

// PushAudio delivers an inbound PCM chunk (16 kHz mono int16). When the
// pipeline is saturated the chunk is dropped; a real-time stream must never
// stall the transport. Returns an error after Close.
func (s *Session) PushAudio(chunk []byte) error {
	s.mu.Lock()
	closed := s.closed || !s.started
	s.mu.Unlock()
	if closed {
		return &ProtocolError{Reason: "audio pushed to an inactive session"}
	}

	select {
	case s.inbound <- chunk:
		return nil
	default:
		s.logger.Debug("inbound audio dropped, pipeline saturated", "bytes", len(chunk))
		return nil
	}
}

// Audio returns the outbound playback channel. Closed by Close.
func (s *Session) Audio() <-chan []byte {
	return s.bridge.Out()
}

// OutputRate returns the sample rate of the PCM emitted on Audio.
func (s *Session) OutputRate() int {
	return s.bridge.OutputRate()
}

// Events returns the session event channel. Events are dropped, never
// blocked on, when the consumer lags.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the orchestrator state, or StateIdle before Start.
func (s *Session) State() State {
	s.mu.Lock()
	orch := s.orch
	s.mu.Unlock()
	if orch == nil {
		return StateIdle
	}
	return orch.State()
}

// Close tears the session down: cancels the run context, winds down any
// in-flight turn, closes the STT and VAD sessions and the tool executor, and
// closes the outbound channel. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		s.mu.Unlock()

		if started {
			s.cancel()
			s.wg.Wait()
		}

		// Loops are parked; the handles cannot change any more.
		s.mu.Lock()
		sttSess := s.sttSess
		vadSess := s.vadSess
		orch := s.orch
		s.mu.Unlock()

		if orch != nil {
			orch.close()
		}

		var errs []error
		if sttSess != nil {
			if err := sttSess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session: close stt: %w", err))
			}
		}
		if vadSess != nil {
			if err := vadSess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session: close vad: %w", err))
			}
		}
		if s.cfg.Executor != nil {
			if err := s.cfg.Executor.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.bridge.Close()
		close(s.events)

		if started {
			s.svc.Metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("session closed")
	})
	return s.closeErr
}

// audioLoop consumes inbound chunks, classifies them through the gate,
// forwards every frame to STT, and feeds edges to the orchestrator. The STT
// session opens lazily on the first frame.
func (s *Session) audioLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case chunk := <-s.inbound:
			frames, err := s.gate.Push(chunk)
			if err != nil {
				var perr *ProtocolError
				if errors.As(err, &perr) {
					s.logger.Warn("inbound audio rejected", "error", err)
					s.emitEvent(Event{Type: EventError, Err: err})
					continue
				}
				s.logger.Error("vad gate failed", "error", err)
				continue
			}
			for _, frame := range frames {
				if !s.forwardFrame(frame) {
					return
				}
			}
		}
	}
}

// forwardFrame sends one classified frame to STT and dispatches its edge.
// Returns false when the session must stop (fatal STT failure).
func (s *Session) forwardFrame(frame GateFrame) bool {
	sess, err := s.sttSession()
	if err != nil {
		s.logger.Error("stt session unavailable, ending session", "error", err)
		s.emitEvent(Event{Type: EventError, Err: err})
		go s.Close() // the audio loop cannot close over itself
		return false
	}

	if err := sess.SendAudio(frame.Data); err != nil {
		if s.runCtx.Err() != nil {
			return false
		}
		s.logger.Warn("stt send failed, frame dropped", "error", err)
	}

	switch frame.Edge {
	case EdgeSpeechStarted:
		s.orch.onSpeechStarted()
	case EdgeSpeechEnded:
		s.orch.onSpeechEnded()
	}
	return true
}

// sttSession returns the open STT session, dialling it on first use with the
// connect timeout. A connect failure is fatal for the session.
func (s *Session) sttSession() (stt.SessionHandle, error) {
	s.mu.Lock()
	if s.sttSess != nil {
		sess := s.sttSess
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(s.runCtx, sttConnectTimeout)
	defer cancel()

	start := time.Now()
	sess, err := s.svc.STT.StartStream(connectCtx, stt.StreamConfig{
		SampleRate: GateSampleRate,
		Channels:   1,
		Language:   s.language(),
		Model:      s.cfg.STTModel,
	})
	if err != nil {
		s.svc.Metrics.RecordProviderError(s.runCtx, "stt", "stt")
		return nil, &FatalProviderError{Provider: "stt", Stage: "stt", Err: err}
	}
	s.logger.Debug("stt session opened", "elapsed", time.Since(start))

	s.mu.Lock()
	s.sttSess = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go s.transcriptLoop(sess)
	return sess, nil
}

// transcriptLoop feeds STT results to the orchestrator. Partials are surfaced
// only at debug level; finals drive turns.
func (s *Session) transcriptLoop(sess stt.SessionHandle) {
	defer s.wg.Done()

	partials := sess.Partials()
	finals := sess.Finals()
	for partials != nil || finals != nil {
		select {
		case <-s.runCtx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.logger.Debug("partial transcript", "text", t.Text)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.orch.onFinalTranscript(t)
		}
	}
}

func (s *Session) emitEvent(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Session) language() string {
	if s.cfg.Language != "" {
		return s.cfg.Language
	}
	return s.cfg.Agent.Language
}
