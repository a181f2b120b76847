// Package portaudio provides [audio.Microphone] and [audio.Speaker]
// implementations backed by the host's default PortAudio devices.
//
// Every opened stream holds its own PortAudio initialisation and terminates
// it when closed, so microphones and speakers can be opened and released
// independently in any order.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
)

var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Capture    = (*capture)(nil)
)

// Microphone captures mono frames from the default input device.
type Microphone struct {
	// SampleRate is the rate frames are delivered at. Default: 16000.
	SampleRate int

	// BlockSize is the number of samples per frame. Default: 4096.
	BlockSize int

	// DeviceSampleRate, when non-zero and different from SampleRate, is the
	// rate the device is opened at. Blocks are resampled to SampleRate.
	DeviceSampleRate int
}

// Start opens the default input device and streams frames to onFrame from
// PortAudio's callback goroutine. Any failure to open or start the device is
// reported as [audio.ErrPermissionDenied] and leaves nothing running.
func (m *Microphone) Start(onFrame func(audio.Frame)) (audio.Capture, error) {
	rate := m.SampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	block := m.BlockSize
	if block <= 0 {
		block = audio.CaptureBlockSize
	}
	deviceRate := rate
	deviceBlock := block
	if m.DeviceSampleRate > 0 && m.DeviceSampleRate != rate {
		deviceRate = m.DeviceSampleRate
		deviceBlock = block * deviceRate / rate
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialise portaudio: %v", audio.ErrPermissionDenied, err)
	}

	c := &capture{}
	callback := func(in []float32) {
		if c.stopped.Load() {
			return
		}
		// PortAudio reuses in between callbacks; frames must be immutable.
		samples := make([]float32, len(in))
		copy(samples, in)
		if deviceRate != rate {
			samples = audio.ResampleTo(samples, block)
		}
		onFrame(audio.Frame{Samples: samples, SampleRate: rate})
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(deviceRate), deviceBlock, callback)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", audio.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", audio.ErrPermissionDenied, err)
	}
	c.stream = stream

	slog.Debug("microphone started",
		"rate", rate,
		"device_rate", deviceRate,
		"block", block,
	)
	return c, nil
}

type capture struct {
	stream   *portaudio.Stream
	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// Stop halts the stream, closes it, and releases PortAudio. Idempotent.
func (c *capture) Stop() error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		var errs []error
		if err := c.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop input stream: %w", err))
		}
		if err := c.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input stream: %w", err))
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate portaudio: %w", err))
		}
		c.stopErr = errors.Join(errs...)
	})
	return c.stopErr
}
