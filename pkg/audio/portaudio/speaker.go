package portaudio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio/playout"
)

var _ audio.Speaker = (*Speaker)(nil)

// Speaker opens output streams on the default output device. Each stream is
// driven by a [playout.Timeline] whose clock advances with the device.
type Speaker struct {
	// DeviceSampleRate, when non-zero, overrides the requested rate. Buffers
	// are resampled to it by the timeline.
	DeviceSampleRate int

	// FramesPerBuffer is the callback size hint. Zero lets PortAudio choose.
	FramesPerBuffer int
}

// Open starts an output stream. The returned [audio.Output] owns the stream:
// closing it stops playback and releases PortAudio.
func (s *Speaker) Open(format audio.Format) (audio.Output, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = audio.PlaybackSampleRate
	}
	if s.DeviceSampleRate > 0 {
		format.SampleRate = s.DeviceSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("speaker: initialise portaudio: %w", err)
	}

	var stream *portaudio.Stream
	tl := playout.New(format, playout.WithCloseHook(func() error {
		var errs []error
		if err := stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop output stream: %w", err))
		}
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output stream: %w", err))
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate portaudio: %w", err))
		}
		return errors.Join(errs...)
	}))

	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), s.FramesPerBuffer, tl.Render)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("speaker: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("speaker: start output stream: %w", err)
	}

	slog.Debug("speaker started", "format", format.String())
	return tl, nil
}
