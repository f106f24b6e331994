// Package energy implements a [vad.Engine] based on short-term signal energy
// with an adaptive noise floor.
//
// The detector computes the RMS energy of each PCM frame and compares it to a
// noise floor estimated as an exponential moving average of recent non-speech
// frames. A frame whose energy exceeds the floor by a configurable ratio is
// classified as speech. This is deliberately simple — it needs no model files
// and no cgo — and is accurate enough to drive turn taking when paired with the
// consecutive-frame hysteresis applied by the session's VAD gate.
//
// For noisy environments a model-based engine can be swapped in behind the same
// [vad.Engine] interface.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/stimmwerk/voxbroker/pkg/provider/vad"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

// Default tuning values. Chosen for 16 kHz telephony-grade input.
const (
	// defaultSpeechRatio is how far above the noise floor a frame's RMS must be
	// to count as speech.
	defaultSpeechRatio = 2.5

	// defaultMinRMS is an absolute RMS floor below which a frame is never
	// speech, regardless of how quiet the noise floor is. Guards against a
	// near-zero floor amplifying breathing noise.
	defaultMinRMS = 180.0

	// noiseAdaptRate is the EMA coefficient for noise floor updates on
	// non-speech frames.
	noiseAdaptRate = 0.05

	// initialNoiseFloor seeds the floor before any frames arrive.
	initialNoiseFloor = 400.0
)

// Engine creates energy-detector sessions.
type Engine struct {
	// SpeechRatio overrides the speech-to-noise-floor ratio when > 0.
	SpeechRatio float64

	// MinRMS overrides the absolute minimum speech RMS when > 0.
	MinRMS float64
}

// NewSession creates a detector session for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.2f exceeds speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	ratio := e.SpeechRatio
	if ratio <= 0 {
		ratio = defaultSpeechRatio
	}
	minRMS := e.MinRMS
	if minRMS <= 0 {
		minRMS = defaultMinRMS
	}
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		cfg:        cfg,
		frameBytes: frameBytes,
		ratio:      ratio,
		minRMS:     minRMS,
		noiseFloor: initialNoiseFloor,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	mu         sync.Mutex
	cfg        vad.Config
	frameBytes int
	ratio      float64
	minRMS     float64

	noiseFloor float64
	inSpeech   bool
	closed     bool
}

// ProcessFrame classifies one PCM frame. Start/End events mark the frame-level
// transition only; debouncing across frames is the caller's concern.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, errors.New("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := frameRMS(frame)
	prob := s.probability(rms)
	voiced := s.inSpeech && prob >= s.cfg.SilenceThreshold || !s.inSpeech && prob >= s.cfg.SpeechThreshold

	if !voiced {
		// Only quiet frames feed the noise estimate, so sustained speech cannot
		// raise the floor and mask itself.
		s.noiseFloor += noiseAdaptRate * (rms - s.noiseFloor)
		if s.noiseFloor < 1 {
			s.noiseFloor = 1
		}
	}

	ev := types.VADEvent{Probability: prob}
	switch {
	case voiced && !s.inSpeech:
		ev.Type = types.VADSpeechStart
	case voiced:
		ev.Type = types.VADSpeechContinue
	case s.inSpeech:
		ev.Type = types.VADSpeechEnd
	default:
		ev.Type = types.VADSilence
	}
	s.inSpeech = voiced
	return ev, nil
}

// probability maps RMS onto [0,1] relative to the detection threshold, so the
// configured SpeechThreshold/SilenceThreshold probabilities behave like other
// engines' model scores. RMS at exactly the threshold maps to 0.5.
func (s *session) probability(rms float64) float64 {
	threshold := s.noiseFloor * s.ratio
	if threshold < s.minRMS {
		threshold = s.minRMS
	}
	p := 0.5 * rms / threshold
	if p > 1 {
		p = 1
	}
	return p
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.noiseFloor = initialNoiseFloor
	s.inSpeech = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// frameRMS computes the root-mean-square amplitude of 16-bit LE PCM samples.
func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
