// Package audio turns the raw microphone signal into a boolean
// speaking indicator. Capture only: no playback device is ever opened,
// so the local microphone can never be routed to the local speaker.
package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const (
	SampleRate = 48000
	Channels   = 1
	// PeriodMs is the capture buffer length delivered by the source.
	PeriodMs = 20
	// SpeakingThreshold is the mean absolute amplitude, normalized to
	// [0,1], above which a buffer classifies as speech. No debounce
	// window is applied; emission is purely edge-triggered.
	SpeakingThreshold = 0.015
)

var ErrResourceUnavailable = errors.New("audio capture resource unavailable")

// Source delivers fixed-period PCM buffers from an exclusive capture
// device. onBuffer runs on the device's realtime callback goroutine
// and must not block. onInterrupt fires when the platform suspends
// capture (another app claimed the hardware); delivery of the next
// buffer marks the end of the interruption.
type Source interface {
	Start(onBuffer func(samples []int16), onInterrupt func()) error
	Stop()
}

// Engine owns the capture source for at most one session at a time and
// runs the energy-threshold classifier over its buffers.
type Engine struct {
	src    Source
	logger zerolog.Logger

	mu          sync.Mutex
	started     bool
	interrupted bool
	muted       bool
	amplitude   float64 // last raw buffer amplitude, pre-gain
	speaking    bool    // last emitted value
	onChange    func(bool)
}

func New(src Source, logger zerolog.Logger) *Engine {
	return &Engine{src: src, logger: logger}
}

// OnSpeakingStateChanged registers the consumer for speaking-state
// transitions. The callback runs on the audio callback goroutine (or
// on the caller's goroutine for mute/recompute edges) and must hand
// off to its own execution context without blocking.
func (e *Engine) OnSpeakingStateChanged(fn func(speaking bool)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Start acquires the exclusive capture resource. Fails with
// ErrResourceUnavailable when the device is denied or already claimed,
// including by a second session on this engine.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("capture already active: %w", ErrResourceUnavailable)
	}
	e.started = true
	e.interrupted = false
	e.amplitude = 0
	e.speaking = false
	e.mu.Unlock()

	if err := e.src.Start(e.handleBuffer, e.interrupt); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		e.logger.Error().Str("module", "audio").Err(err).Msg("capture source start failed")
		return fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}
	e.logger.Info().Str("module", "audio").Int("sample_rate", SampleRate).Int("period_ms", PeriodMs).Msg("capture started")
	return nil
}

// Stop releases the capture resource. Safe on every exit path; calling
// it on a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.speaking = false
	e.amplitude = 0
	e.mu.Unlock()

	e.src.Stop()
	e.logger.Info().Str("module", "audio").Msg("capture stopped")
}

// SetMuted applies the gain multiplier at the tap and reclassifies
// immediately, so an unmute while the signal is above threshold emits
// without waiting for the next buffer. Idempotent.
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	if e.muted == muted {
		e.mu.Unlock()
		return
	}
	e.muted = muted
	e.mu.Unlock()
	e.Recompute()
}

func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Recompute reclassifies using the most recent buffer amplitude and
// emits an edge if the result changed. Suppressed while interrupted.
func (e *Engine) Recompute() {
	e.mu.Lock()
	if !e.started || e.interrupted {
		e.mu.Unlock()
		return
	}
	fn, v, changed := e.reclassifyLocked()
	e.mu.Unlock()
	if changed && fn != nil {
		fn(v)
	}
}

// handleBuffer runs on the source's realtime callback goroutine. A
// buffer arriving after an interruption implicitly ends it.
func (e *Engine) handleBuffer(samples []int16) {
	amp := meanAbsAmplitude(samples)
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.interrupted = false
	e.amplitude = amp
	fn, v, changed := e.reclassifyLocked()
	e.mu.Unlock()
	if changed && fn != nil {
		fn(v)
	}
}

func (e *Engine) interrupt() {
	e.mu.Lock()
	if e.started {
		e.interrupted = true
	}
	e.mu.Unlock()
	e.logger.Warn().Str("module", "audio").Msg("capture interrupted")
}

// reclassifyLocked computes the gated classification and records the
// edge. The gain multiplier is 0 while muted, so a muted signal can
// never cross the threshold.
func (e *Engine) reclassifyLocked() (fn func(bool), v, changed bool) {
	gain := 1.0
	if e.muted {
		gain = 0
	}
	next := e.amplitude*gain > SpeakingThreshold
	if next == e.speaking {
		return nil, next, false
	}
	e.speaking = next
	return e.onChange, next, true
}

func meanAbsAmplitude(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(len(samples)) / 32768.0
}
