package session

import (
	"context"
	"sync"
	"time"

	"github.com/stimmwerk/voxbroker/pkg/audio"
)

const (
	// outboundBuffer bounds the playback channel. Synthesis chunks are
	// roughly 20 ms each, so this holds about 200 ms of audio and exerts
	// back-pressure on TTS beyond that.
	outboundBuffer = 10

	// graceDrain is how long a cancelled pump keeps draining provider audio
	// so driver goroutines can abort cleanly instead of blocking on a full
	// channel.
	graceDrain = 200 * time.Millisecond
)

// Bridge is the outbound media path: it carries synthesised PCM from the TTS
// driver to the transport, resampling when the transport demands a rate other
// than the provider's native one. One bridge lives per session; turns take
// the pump in sequence.
type Bridge struct {
	srcRate int
	dstRate int

	out       chan []byte
	closeOnce sync.Once
}

// NewBridge builds a bridge from the TTS native rate to the transport rate.
// A dstRate of zero passes audio through at the native rate.
func NewBridge(srcRate, dstRate int) *Bridge {
	return &Bridge{
		srcRate: srcRate,
		dstRate: dstRate,
		out:     make(chan []byte, outboundBuffer),
	}
}

// Out returns the playback channel. It is closed by [Bridge.Close].
func (b *Bridge) Out() <-chan []byte {
	return b.out
}

// OutputRate returns the sample rate of the PCM emitted on Out.
func (b *Bridge) OutputRate() int {
	if b.dstRate > 0 {
		return b.dstRate
	}
	return b.srcRate
}

// Pump forwards audio chunks from in to the playback channel until in closes
// or ctx is cancelled. onFirst, when non-nil, is invoked once when the first
// chunk arrives — the orchestrator uses it for the first-byte watchdog. On
// cancellation the pump keeps draining in for the grace period, discarding
// audio, so the synthesis goroutine is never left blocked, and flushes any
// chunks still queued on the playback channel — after a barge-in the caller
// must not hear the buffered tail of the interrupted reply. Returns ctx.Err()
// when cancelled, nil when in was exhausted.
func (b *Bridge) Pump(ctx context.Context, in <-chan []byte, onFirst func()) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			b.drain(in)
			b.flushQueued()
			return ctx.Err()
		case pcm, ok := <-in:
			if !ok {
				return nil
			}
			if first {
				first = false
				if onFirst != nil {
					onFirst()
				}
			}
			if b.dstRate > 0 && b.dstRate != b.srcRate {
				pcm = audio.ResampleMono16(pcm, b.srcRate, b.dstRate)
			}
			select {
			case b.out <- pcm:
			case <-ctx.Done():
				b.drain(in)
				b.flushQueued()
				return ctx.Err()
			}
		}
	}
}

// flushQueued discards whatever is still buffered on the playback channel.
// Best effort: the transport consumer may race it for individual chunks, but
// nothing it wins amounts to more than one chunk of stale audio.
func (b *Bridge) flushQueued() {
	for {
		select {
		case _, ok := <-b.out:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close closes the playback channel. Safe to call more than once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.out) })
}

func (b *Bridge) drain(in <-chan []byte) {
	deadline := time.NewTimer(graceDrain)
	defer deadline.Stop()
	for {
		select {
		case _, ok := <-in:
			if !ok {
				return
			}
		case <-deadline.C:
			return
		}
	}
}
