package audio

import "time"

// Wire rates of the streaming model. Outbound audio is captured and sent at
// CaptureSampleRate; replies arrive at PlaybackSampleRate.
const (
	CaptureSampleRate  = 16000
	PlaybackSampleRate = 24000

	// CaptureBlockSize is the number of samples per captured frame.
	CaptureBlockSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is one block of normalized mono samples in [-1.0, 1.0] produced by a
// [Microphone]. A Frame is immutable once emitted: producers hand out a fresh
// slice per frame and consumers must not modify it.
type Frame struct {
	// Samples holds exactly one capture block.
	Samples []float32

	// SampleRate in Hz (16000 on the outbound wire).
	SampleRate int
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// EncodedChunk is PCM16 little-endian audio in transport-safe text form. It is
// the only audio representation that crosses the network boundary.
type EncodedChunk struct {
	// MIMEType carries the sample rate and optionally the channel count,
	// e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64 (standard alphabet) encoding of the PCM bytes.
	Data string
}

// Buffer is decoded multi-channel audio ready for playback. Channels holds one
// de-interleaved slice per channel; all slices have the same length.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns frames / sample rate as a [time.Duration], rounded to the
// nearest nanosecond.
func (b Buffer) Duration() time.Duration {
	return samplesDuration(b.Frames(), b.SampleRate)
}

// Format returns the buffer's sample rate and channel count.
func (b Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: len(b.Channels)}
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	ns := (int64(n)*int64(time.Second) + int64(rate)/2) / int64(rate)
	return time.Duration(ns)
}
