package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// MalgoSource captures raw S16 mono PCM from the default microphone
// via miniaudio. The device runs on a realtime-priority thread and
// delivers one buffer per period directly to the engine's tap.
type MalgoSource struct {
	logger zerolog.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func NewMalgoSource(logger zerolog.Logger) *MalgoSource {
	return &MalgoSource{logger: logger}
}

func (s *MalgoSource) Start(onBuffer func(samples []int16), onInterrupt func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return fmt.Errorf("capture device already open")
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.PeriodSizeInMilliseconds = PeriodMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			onBuffer(decodeS16LE(pInput))
		},
		Stop: func() {
			// The backend stopped the device underneath us (hardware
			// claimed by another app, route change). The engine pauses
			// until buffers flow again.
			onInterrupt()
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("start capture device: %w", err)
	}

	s.ctx = mctx
	s.device = device
	s.logger.Info().Str("module", "audio").Msg("microphone capture device started")
	return nil
}

func (s *MalgoSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return
	}
	_ = s.device.Stop()
	s.device.Uninit()
	s.device = nil
	_ = s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	s.logger.Info().Str("module", "audio").Msg("microphone capture device released")
}

// decodeS16LE copies the backend-owned byte buffer into fresh samples;
// miniaudio reuses it between callbacks.
func decodeS16LE(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}
