package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stimmwerk/voxbroker/internal/observe"
	"github.com/stimmwerk/voxbroker/internal/rag"
	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/internal/tools"
	"github.com/stimmwerk/voxbroker/pkg/provider/llm"
	"github.com/stimmwerk/voxbroker/pkg/provider/tts"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

const (
	// MaxToolRounds caps how many LLM rounds a single turn may take. Every
	// round counts, tool round or not.
	MaxToolRounds = 5

	// llmFirstTokenTimeout bounds the wait for the first streamed chunk.
	llmFirstTokenTimeout = 10 * time.Second

	// ttsFirstByteTimeout bounds the wait for the first synthesised audio
	// byte after synthesis starts.
	ttsFirstByteTimeout = 3 * time.Second

	// roundCapFallback is spoken when the round cap is hit with no
	// presentable text accumulated.
	roundCapFallback = "I'm sorry, I couldn't finish looking that up. Could you ask me again?"

	// textFragmentBuffer is the depth of the text channel feeding TTS.
	textFragmentBuffer = 16
)

// State is the orchestrator's turn-taking state.
type State int32

const (
	// StateIdle: no caller speech seen yet and no turn in flight.
	StateIdle State = iota

	// StateListening: caller audio is flowing, no turn in flight.
	StateListening

	// StateThinking: a turn is running, no audio produced yet.
	StateThinking

	// StateSpeaking: the turn is streaming synthesised audio.
	StateSpeaking

	// StateInterrupted: the caller barged in; the turn is winding down.
	StateInterrupted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// EventType classifies session events.
type EventType int

const (
	// EventStateChanged reports a turn-state transition.
	EventStateChanged EventType = iota

	// EventUserTranscript carries a final user transcript.
	EventUserTranscript

	// EventAgentReply carries the committed assistant reply text.
	EventAgentReply

	// EventError carries a pipeline error that aborted a turn.
	EventError
)

// Event is delivered on the session's event channel.
type Event struct {
	Type  EventType
	State State
	Text  string
	Err   error
}

// orchestrator drives the turn state machine for one session. The VAD gate
// and STT loop call into it; it owns turn goroutines and the outbound pump.
//
// The conversation lock is only taken for appends and snapshots, never across
// provider I/O.
type orchestrator struct {
	agent       *store.Agent
	conv        *Conversation
	llmP        llm.Provider
	ttsP        tts.Provider
	voice       types.VoiceProfile
	retriever   *rag.Retriever
	executor    *tools.Executor
	bridge      *Bridge
	metrics     *observe.Metrics
	logger      *slog.Logger
	events      chan Event
	temperature float64
	maxTokens   int

	baseCtx context.Context

	state atomic.Int32

	mu         sync.Mutex
	cancelTurn context.CancelFunc
	turnSeq    uint64
	turnWG     sync.WaitGroup

	// speechEndedAt is the unix-nano timestamp of the last speech_ended edge,
	// zero when consumed. Feeds the STT latency histogram.
	speechEndedAt atomic.Int64
}

// State returns the current turn state.
func (o *orchestrator) State() State {
	return State(o.state.Load())
}

func (o *orchestrator) setState(s State) {
	if State(o.state.Swap(int32(s))) == s {
		return
	}
	o.emit(Event{Type: EventStateChanged, State: s})
}

// emit delivers an event without ever blocking the pipeline. A full event
// channel drops the event with a debug log.
func (o *orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Debug("event dropped, consumer too slow", "type", ev.Type)
	}
}

// onSpeechStarted handles a speech_started edge. During Thinking or Speaking
// this is a barge-in: the in-flight turn is cancelled and its partial output
// discarded.
func (o *orchestrator) onSpeechStarted() {
	switch o.State() {
	case StateThinking, StateSpeaking:
		o.logger.Info("barge-in, cancelling turn", "agent", o.agent.Slug)
		o.metrics.BargeIns.Add(o.baseCtx, 1)
		o.setState(StateInterrupted)
		o.mu.Lock()
		if o.cancelTurn != nil {
			o.cancelTurn()
		}
		o.mu.Unlock()
	case StateIdle:
		o.setState(StateListening)
	}
}

// onSpeechEnded records the edge timestamp for the STT latency histogram.
func (o *orchestrator) onSpeechEnded() {
	o.speechEndedAt.Store(time.Now().UnixNano())
}

// onFinalTranscript starts a turn for a final user transcript. Empty
// transcripts never start a turn. A turn already in flight is cancelled
// first; the new utterance supersedes it.
func (o *orchestrator) onFinalTranscript(t types.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}

	if endedAt := o.speechEndedAt.Swap(0); endedAt > 0 {
		o.metrics.STTDuration.Record(o.baseCtx, time.Since(time.Unix(0, endedAt)).Seconds())
	}
	o.emit(Event{Type: EventUserTranscript, Text: text})

	o.mu.Lock()
	if o.cancelTurn != nil {
		o.cancelTurn()
	}
	turnCtx, cancel := context.WithCancel(o.baseCtx)
	o.cancelTurn = cancel
	o.turnSeq++
	seq := o.turnSeq
	o.mu.Unlock()

	o.turnWG.Add(1)
	go o.runTurn(turnCtx, cancel, seq, text)
}

// wait blocks until all turn goroutines have finished.
func (o *orchestrator) wait() {
	o.turnWG.Wait()
}

// close cancels any in-flight turn and waits for it to wind down.
func (o *orchestrator) close() {
	o.mu.Lock()
	if o.cancelTurn != nil {
		o.cancelTurn()
	}
	o.mu.Unlock()
	o.turnWG.Wait()
}

// runTurn executes one full turn: retrieval, prompt assembly, the tool-round
// loop, and the conversation commit. Nothing is committed when the turn is
// cancelled or fails.
func (o *orchestrator) runTurn(ctx context.Context, cancel context.CancelFunc, seq uint64, userText string) {
	defer o.turnWG.Done()
	defer o.releaseTurn(cancel, seq)

	turnStart := time.Now()
	o.setState(StateThinking)

	o.conv.Append(types.Message{Role: types.RoleUser, Content: userText})
	snapshot := o.conv.Snapshot()

	var contexts []rag.Context
	if o.retriever != nil {
		query := rag.BuildQuery(snapshot)
		ctxs, err := o.retriever.Retrieve(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				o.finishTurn(seq, "interrupted")
				return
			}
			o.logger.Warn("retrieval failed, continuing without catalog context", "error", err)
		} else {
			contexts = ctxs
		}
	}
	systemPrompt := rag.FormatSystemPrompt(o.agent.SystemPrompt, contexts)

	var defs []types.ToolDefinition
	if o.executor != nil {
		defs = o.executor.Definitions()
	}

	messages := snapshot
	var pending []types.Message
	var finalText string

	for round := 1; round <= MaxToolRounds; round++ {
		text, calls, err := o.streamRound(ctx, systemPrompt, messages, defs)
		if err != nil {
			if ctx.Err() != nil {
				o.finishTurn(seq, "interrupted")
				return
			}
			o.logger.Error("turn aborted", "agent", o.agent.Slug, "round", round, "error", err)
			o.emit(Event{Type: EventError, Err: err})
			o.finishTurn(seq, "error")
			return
		}

		if len(calls) == 0 {
			finalText = text
			break
		}

		// Tool round: the round's text is discarded, only the calls survive.
		assistant := types.Message{Role: types.RoleAssistant, ToolCalls: calls}
		messages = append(messages, assistant)
		pending = append(pending, assistant)

		results := o.executor.ExecuteAll(ctx, calls)
		if ctx.Err() != nil {
			o.finishTurn(seq, "interrupted")
			return
		}
		for i, result := range results {
			toolMsg := types.Message{
				Role:       types.RoleTool,
				Content:    result,
				ToolCallID: calls[i].ID,
			}
			messages = append(messages, toolMsg)
			pending = append(pending, toolMsg)
		}

		if round == MaxToolRounds {
			// Round cap with tools still pending: speak what we have, or the
			// fallback. Tool rounds never synthesise their text, so whatever
			// gets committed here must be spoken explicitly.
			o.logger.Warn("tool round cap reached", "agent", o.agent.Slug)
			finalText = text
			if finalText == "" {
				finalText = roundCapFallback
			}
			if err := o.speak(ctx, finalText); err != nil {
				if ctx.Err() != nil {
					o.finishTurn(seq, "interrupted")
					return
				}
				o.emit(Event{Type: EventError, Err: err})
				o.finishTurn(seq, "error")
				return
			}
		}
	}

	if ctx.Err() != nil {
		o.finishTurn(seq, "interrupted")
		return
	}

	pending = append(pending, types.Message{Role: types.RoleAssistant, Content: finalText})
	o.conv.Append(pending...)
	o.emit(Event{Type: EventAgentReply, Text: finalText})
	o.metrics.TurnDuration.Record(o.baseCtx, time.Since(turnStart).Seconds())
	o.finishTurn(seq, "ok")
}

// releaseTurn cancels the turn context and clears the cancel handle, unless a
// newer turn has already replaced it.
func (o *orchestrator) releaseTurn(cancel context.CancelFunc, seq uint64) {
	cancel()
	o.mu.Lock()
	if o.turnSeq == seq {
		o.cancelTurn = nil
	}
	o.mu.Unlock()
}

// finishTurn records the turn counter and, when this turn is still the
// current one, parks the state machine: Listening after an interruption (the
// caller is speaking), Idle otherwise. A superseded turn must leave the state
// alone — its successor owns it, and resetting it mid-synthesis would make
// the successor's speech invisible to barge-in.
func (o *orchestrator) finishTurn(seq uint64, outcome string) {
	o.metrics.RecordTurn(o.baseCtx, o.agent.Slug, outcome)
	o.mu.Lock()
	current := o.turnSeq == seq
	o.mu.Unlock()
	if !current {
		return
	}
	if outcome == "interrupted" {
		o.setState(StateListening)
	} else {
		o.setState(StateIdle)
	}
}

// streamRound runs one LLM round, streaming text into TTS as it arrives.
// It returns the round's accumulated text and any tool calls the model
// requested. Tool-call rounds have their synthesis cancelled — that text is
// discarded per the round contract.
func (o *orchestrator) streamRound(ctx context.Context, systemPrompt string, messages []types.Message, defs []types.ToolDefinition) (string, []types.ToolCall, error) {
	roundCtx, cancelRound := context.WithCancel(ctx)
	defer cancelRound()

	llmStart := time.Now()
	chunks, err := o.llmP.StreamCompletion(roundCtx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        defs,
		Temperature:  o.temperature,
		MaxTokens:    o.maxTokens,
	})
	if err != nil {
		name := providerName(err, o.agent.LLMProvider)
		o.metrics.RecordProviderError(o.baseCtx, name, "llm")
		return "", nil, &TransientProviderError{Provider: name, Stage: "llm", Err: err}
	}

	firstTokenTimer := time.NewTimer(llmFirstTokenTimeout)
	defer firstTokenTimer.Stop()
	firstTokenC := firstTokenTimer.C

	var (
		buf        strings.Builder
		calls      []types.ToolCall
		textCh     chan string
		ttsDone    chan error
		synthErrs  <-chan error
		firstByteC <-chan time.Time
		ttsStart   time.Time
		gotByte    = make(chan struct{}, 1)
	)

	startTTS := func() error {
		textCh = make(chan string, textFragmentBuffer)
		ttsStart = time.Now()
		// Raw LLM deltas are re-chunked into sentence-shaped segments before
		// they reach the synthesis backend.
		audioCh, errs, err := o.ttsP.SynthesizeStream(roundCtx, tts.SegmentStream(roundCtx, textCh), o.voice)
		if err != nil {
			o.metrics.RecordProviderError(o.baseCtx, o.voice.Provider, "tts")
			return &TransientProviderError{Provider: o.voice.Provider, Stage: "tts", Err: err}
		}
		synthErrs = errs
		watchdog := time.NewTimer(ttsFirstByteTimeout)
		firstByteC = watchdog.C
		ttsDone = make(chan error, 1)
		go func() {
			defer watchdog.Stop()
			ttsDone <- o.bridge.Pump(roundCtx, audioCh, func() {
				select {
				case gotByte <- struct{}{}:
				default:
				}
			})
		}()
		return nil
	}

	fail := func(provider, stage string, err error) (string, []types.ToolCall, error) {
		cancelRound()
		if textCh != nil {
			close(textCh)
			textCh = nil
		}
		if ttsDone != nil {
			<-ttsDone
		}
		o.metrics.RecordProviderError(o.baseCtx, provider, stage)
		return "", nil, err
	}

stream:
	for {
		select {
		case <-ctx.Done():
			cancelRound()
			if textCh != nil {
				close(textCh)
				textCh = nil
			}
			if ttsDone != nil {
				<-ttsDone
			}
			return "", nil, ctx.Err()

		case <-firstTokenC:
			return fail(o.agent.LLMProvider, "llm", &TransientProviderError{
				Provider: o.agent.LLMProvider, Stage: "llm", Err: context.DeadlineExceeded})

		case <-firstByteC:
			return fail(o.voice.Provider, "tts", &TransientProviderError{
				Provider: o.voice.Provider, Stage: "tts", Err: context.DeadlineExceeded})

		case <-gotByte:
			firstByteC = nil
			o.metrics.TTSFirstByte.Record(o.baseCtx, time.Since(ttsStart).Seconds())

		case perr := <-ttsDone:
			// The audio channel closed while the model is still streaming:
			// synthesis died mid-turn. Surface the reported cause so the
			// turn is discarded instead of committing a half-spoken reply.
			ttsDone = nil
			cancelRound()
			if textCh != nil {
				close(textCh)
				textCh = nil
			}
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			serr := <-synthErrs
			if serr == nil {
				serr = perr
			}
			if serr == nil {
				serr = errSynthesisEnded
			}
			o.metrics.RecordProviderError(o.baseCtx, o.voice.Provider, "tts")
			return "", nil, &TransientProviderError{Provider: o.voice.Provider, Stage: "tts", Err: serr}

		case chunk, ok := <-chunks:
			if !ok {
				break stream
			}
			if firstTokenC != nil {
				firstTokenTimer.Stop()
				firstTokenC = nil
				o.metrics.LLMFirstToken.Record(o.baseCtx, time.Since(llmStart).Seconds())
			}
			if chunk.FinishReason == "error" {
				return fail(o.agent.LLMProvider, "llm", &TransientProviderError{
					Provider: o.agent.LLMProvider, Stage: "llm", Err: errStreamFailed})
			}
			if chunk.Text != "" {
				if textCh == nil {
					if err := startTTS(); err != nil {
						cancelRound()
						return "", nil, err
					}
					o.setState(StateSpeaking)
				}
				buf.WriteString(chunk.Text)
				select {
				case textCh <- chunk.Text:
				case <-ctx.Done():
					cancelRound()
					close(textCh)
					textCh = nil
					if ttsDone != nil {
						<-ttsDone
					}
					return "", nil, ctx.Err()
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = chunk.ToolCalls
			}
		}
	}

	if len(calls) > 0 {
		// Tool round: drop this round's synthesis, the text never commits.
		cancelRound()
		if textCh != nil {
			close(textCh)
			textCh = nil
		}
		if ttsDone != nil {
			<-ttsDone
		}
		return buf.String(), calls, nil
	}

	if textCh != nil {
		close(textCh)
		textCh = nil
	}
	if ttsDone != nil {
		// Let playback finish; keep honouring barge-in and the first-byte
		// watchdog while it drains.
		for ttsDone != nil {
			select {
			case err := <-ttsDone:
				ttsDone = nil
				if err != nil && ctx.Err() != nil {
					return "", nil, ctx.Err()
				}
				if serr := <-synthErrs; serr != nil && ctx.Err() == nil {
					o.metrics.RecordProviderError(o.baseCtx, o.voice.Provider, "tts")
					return "", nil, &TransientProviderError{Provider: o.voice.Provider, Stage: "tts", Err: serr}
				}
			case <-gotByte:
				firstByteC = nil
				o.metrics.TTSFirstByte.Record(o.baseCtx, time.Since(ttsStart).Seconds())
			case <-firstByteC:
				cancelRound()
				<-ttsDone
				o.metrics.RecordProviderError(o.baseCtx, o.voice.Provider, "tts")
				return "", nil, &TransientProviderError{Provider: o.voice.Provider, Stage: "tts",
					Err: context.DeadlineExceeded}
			case <-ctx.Done():
				cancelRound()
				<-ttsDone
				return "", nil, ctx.Err()
			}
		}
	}

	return buf.String(), calls, nil
}

// greet speaks the agent's greeting as a cancellable pseudo-turn: a barge-in
// during the greeting cuts it off like any other agent speech.
func (o *orchestrator) greet(text string) {
	o.mu.Lock()
	greetCtx, cancel := context.WithCancel(o.baseCtx)
	o.cancelTurn = cancel
	o.turnSeq++
	seq := o.turnSeq
	o.mu.Unlock()

	o.turnWG.Add(1)
	go func() {
		defer o.turnWG.Done()
		defer o.releaseTurn(cancel, seq)
		if err := o.speak(greetCtx, text); err != nil && greetCtx.Err() == nil {
			o.logger.Warn("greeting synthesis failed", "error", err)
			o.emit(Event{Type: EventError, Err: err})
		}
		o.setState(StateIdle)
	}()
}

// speak synthesises a standalone utterance (greeting, fallback) through the
// bridge, blocking until playback hand-off completes or ctx is cancelled.
func (o *orchestrator) speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	speakCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, synthErrs, err := o.ttsP.SynthesizeStream(speakCtx, tts.SegmentStream(speakCtx, textCh), o.voice)
	if err != nil {
		o.metrics.RecordProviderError(o.baseCtx, o.voice.Provider, "tts")
		return &TransientProviderError{Provider: o.voice.Provider, Stage: "tts", Err: err}
	}
	o.setState(StateSpeaking)
	if err := o.bridge.Pump(speakCtx, audioCh, nil); err != nil {
		return err
	}
	if serr := <-synthErrs; serr != nil {
		o.metrics.RecordProviderError(o.baseCtx, o.voice.Provider, "tts")
		return &TransientProviderError{Provider: o.voice.Provider, Stage: "tts", Err: serr}
	}
	return nil
}

// errStreamFailed marks an in-stream provider failure chunk.
var errStreamFailed = &ProtocolError{Reason: "provider stream reported an error chunk"}

// errSynthesisEnded marks an audio stream that closed before the reply
// finished without reporting a cause.
var errSynthesisEnded = &ProtocolError{Reason: "synthesis ended before the reply finished"}

// providerName extracts the provider name from a typed llm error, falling
// back to the given name.
func providerName(err error, fallback string) string {
	var lerr *llm.Error
	if errors.As(err, &lerr) && lerr.Provider != "" {
		return lerr.Provider
	}
	return fallback
}
