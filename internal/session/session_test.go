package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stimmwerk/voxbroker/pkg/audio"
	"github.com/stimmwerk/voxbroker/pkg/provider/llm"
	llmmock "github.com/stimmwerk/voxbroker/pkg/provider/llm/mock"
	sttmock "github.com/stimmwerk/voxbroker/pkg/provider/stt/mock"
	ttsmock "github.com/stimmwerk/voxbroker/pkg/provider/tts/mock"
	vadmock "github.com/stimmwerk/voxbroker/pkg/provider/vad/mock"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

type sessionFixture struct {
	stt  *sttmock.Provider
	sttS *sttmock.Session
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	vad  *vadmock.Engine
	vadS *vadmock.Session
}

func newSessionFixture() *sessionFixture {
	sttS := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}
	vadS := &vadmock.Session{}
	return &sessionFixture{
		stt:  &sttmock.Provider{Session: sttS},
		sttS: sttS,
		llm:  &llmmock.Provider{},
		tts:  &ttsmock.Provider{PerFragmentChunk: []byte{0x0a, 0x0b}},
		vad:  &vadmock.Engine{Session: vadS},
		vadS: vadS,
	}
}

func (f *sessionFixture) services() Services {
	return Services{STT: f.stt, LLM: f.llm, TTS: f.tts, VAD: f.vad}
}

func startedSession(t *testing.T, f *sessionFixture, cfg Config) *Session {
	t.Helper()
	if cfg.Agent == nil {
		cfg.Agent = testAgent()
	}
	if cfg.Conversation == nil {
		cfg.Conversation = &Conversation{}
	}
	s, err := New(f.services(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	// Drain playback so pumps never block on a slow test.
	go audio.Drain(s.Audio())
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := New(Services{}, Config{Agent: testAgent(), Conversation: &Conversation{}})
	if err == nil {
		t.Fatal("expected error for empty services")
	}
	for _, want := range []string{"STT", "LLM", "TTS", "VAD"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not name %s: %v", want, err)
		}
	}
}

func TestNew_RequiresAgentAndConversation(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	if _, err := New(f.services(), Config{Conversation: &Conversation{}}); err == nil {
		t.Error("expected error for missing agent")
	}
	if _, err := New(f.services(), Config{Agent: testAgent()}); err == nil {
		t.Error("expected error for missing conversation")
	}
}

func TestSession_StartOpensVADSession(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	startedSession(t, f, Config{})

	if len(f.vad.NewSessionCalls) != 1 {
		t.Fatalf("VAD sessions opened = %d, want 1", len(f.vad.NewSessionCalls))
	}
	cfg := f.vad.NewSessionCalls[0].Cfg
	if cfg.SampleRate != GateSampleRate || cfg.FrameSizeMs != GateFrameMs {
		t.Errorf("VAD config = %d Hz / %d ms, want %d / %d",
			cfg.SampleRate, cfg.FrameSizeMs, GateSampleRate, GateFrameMs)
	}
	if cfg.SpeechThreshold != defaultSpeechThreshold || cfg.SilenceThreshold != defaultSilenceThreshold {
		t.Errorf("VAD thresholds = %v / %v", cfg.SpeechThreshold, cfg.SilenceThreshold)
	}
}

func TestSession_StartFailsWhenVADUnavailable(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	f.vad.NewSessionErr = errors.New("model not loaded")
	s, err := New(f.services(), Config{Agent: testAgent(), Conversation: &Conversation{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start should fail when the VAD session cannot open")
	}
}

func TestSession_GreetingIsSpoken(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	agent := testAgent()
	agent.Greeting = "Welcome to the shop, how can I help?"
	startedSession(t, f, Config{Agent: agent})

	waitFor(t, "greeting fragment", func() bool {
		return len(f.tts.ConsumedFragments()) > 0
	})
	if got := f.tts.ConsumedFragments()[0]; got != agent.Greeting {
		t.Errorf("spoken greeting = %q, want %q", got, agent.Greeting)
	}
}

func TestSession_LazySTTOpenAndFrameForwarding(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	agent := testAgent()
	agent.Language = "de"
	s := startedSession(t, f, Config{Agent: agent, STTModel: "nova-3"})

	// No audio yet: the STT stream stays closed.
	if f.stt.StartStreamCallCount() != 0 {
		t.Fatal("STT stream opened before any audio arrived")
	}

	frame := bytes.Repeat([]byte{0x01}, GateFrameBytes)
	if err := s.PushAudio(frame); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "frame at STT", func() bool {
		return f.sttS.SendAudioCallCount() >= 1
	})
	if f.stt.StartStreamCallCount() != 1 {
		t.Fatalf("STT streams opened = %d, want 1", f.stt.StartStreamCallCount())
	}
	cfg := f.stt.StartStreamCalls[0].Cfg
	if cfg.SampleRate != GateSampleRate || cfg.Channels != 1 {
		t.Errorf("STT config = %d Hz / %d ch", cfg.SampleRate, cfg.Channels)
	}
	if cfg.Language != "de" || cfg.Model != "nova-3" {
		t.Errorf("STT language/model = %q/%q", cfg.Language, cfg.Model)
	}

	// A second frame reuses the open stream.
	if err := s.PushAudio(frame); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second frame at STT", func() bool {
		return f.sttS.SendAudioCallCount() >= 2
	})
	if f.stt.StartStreamCallCount() != 1 {
		t.Errorf("STT reopened: %d streams", f.stt.StartStreamCallCount())
	}
}

func TestSession_LanguageOverrideWinsOverAgent(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	agent := testAgent()
	agent.Language = "de"
	s := startedSession(t, f, Config{Agent: agent, Language: "en"})

	if err := s.PushAudio(bytes.Repeat([]byte{0x01}, GateFrameBytes)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "STT stream", func() bool { return f.stt.StartStreamCallCount() == 1 })
	if got := f.stt.StartStreamCalls[0].Cfg.Language; got != "en" {
		t.Errorf("STT language = %q, want override %q", got, "en")
	}
}

func TestSession_FinalTranscriptDrivesTurn(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	f.llm.StreamChunks = []llm.Chunk{{Text: "We close at six."}, {FinishReason: "stop"}}
	conv := &Conversation{}
	s := startedSession(t, f, Config{Conversation: conv})

	// A frame opens the STT stream and its transcript loop.
	if err := s.PushAudio(bytes.Repeat([]byte{0x01}, GateFrameBytes)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "STT stream", func() bool { return f.stt.StartStreamCallCount() == 1 })

	f.sttS.FinalsCh <- types.Transcript{Text: "when do you close?", IsFinal: true}

	var reply string
	deadline := time.After(2 * time.Second)
	for reply == "" {
		select {
		case ev := <-s.Events():
			if ev.Type == EventAgentReply {
				reply = ev.Text
			}
		case <-deadline:
			t.Fatal("no agent reply event")
		}
	}
	if reply != "We close at six." {
		t.Errorf("reply = %q", reply)
	}
	snap := conv.Snapshot()
	if len(snap) != 2 || snap[0].Content != "when do you close?" {
		t.Errorf("conversation not committed: %+v", snap)
	}
}

func TestSession_OddChunkSurfacesProtocolError(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	s := startedSession(t, f, Config{})

	if err := s.PushAudio(make([]byte, 961)); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type != EventError {
				continue
			}
			var perr *ProtocolError
			if !errors.As(ev.Err, &perr) {
				t.Fatalf("event error = %v, want ProtocolError", ev.Err)
			}
			return
		case <-deadline:
			t.Fatal("no protocol error event")
		}
	}
}

func TestSession_CloseReleasesProviders(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	s := startedSession(t, f, Config{})

	// Open the STT stream so Close has something to tear down.
	if err := s.PushAudio(bytes.Repeat([]byte{0x01}, GateFrameBytes)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "STT stream", func() bool { return f.stt.StartStreamCallCount() == 1 })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if f.sttS.CloseCallCount != 1 {
		t.Errorf("STT Close calls = %d, want 1", f.sttS.CloseCallCount)
	}
	if f.vadS.CloseCallCount != 1 {
		t.Errorf("VAD Close calls = %d, want 1", f.vadS.CloseCallCount)
	}

	if err := s.PushAudio(make([]byte, GateFrameBytes)); err == nil {
		t.Error("PushAudio should fail after Close")
	}

	// The event channel is closed; pending events drain, then it reports done.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed")
		}
	}
}

func TestSession_CloseBeforeStart(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	s, err := New(f.services(), Config{Agent: testAgent(), Conversation: &Conversation{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close before Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start should fail after Close")
	}
}
