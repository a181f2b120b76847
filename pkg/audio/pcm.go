package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedChunk is returned by [Decode] when a chunk cannot be turned into
// whole PCM16 sample frames. Callers drop the chunk and keep the session alive.
var ErrMalformedChunk = errors.New("audio: malformed chunk")

const pcmMIMEPrefix = "audio/pcm"

// MIMEType returns the descriptor for PCM16 audio at rate Hz. The channel
// parameter is omitted for mono, matching what the streaming endpoint expects.
func MIMEType(rate, channels int) string {
	if channels <= 1 {
		return pcmMIMEPrefix + ";rate=" + strconv.Itoa(rate)
	}
	return pcmMIMEPrefix + ";rate=" + strconv.Itoa(rate) + ";channels=" + strconv.Itoa(channels)
}

// ParseMIME extracts the sample rate and channel count from a PCM descriptor
// such as "audio/pcm;rate=24000". Missing parameters come back as zero. ok is
// false when mime does not describe PCM audio at all.
func ParseMIME(mime string) (rate, channels int, ok bool) {
	parts := strings.Split(mime, ";")
	if !strings.EqualFold(strings.TrimSpace(parts[0]), pcmMIMEPrefix) {
		return 0, 0, false
	}
	for _, p := range parts[1:] {
		key, val, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "rate":
			rate = n
		case "channels":
			channels = n
		}
	}
	return rate, channels, true
}

// Encode converts a frame to PCM16 little-endian and base64-encodes it. Each
// sample s becomes round(s*32767) clamped to the int16 range. Encode has no
// error path; samples outside [-1, 1] are clamped.
func Encode(f Frame) EncodedChunk {
	pcm := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		v := floatToInt16(s)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return EncodedChunk{
		MIMEType: MIMEType(f.SampleRate, 1),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}

// Decode reverses [Encode] for chunks carrying channels interleaved channels
// at sampleRate Hz. Samples are rescaled by 1/32768.
//
// It fails with [ErrMalformedChunk] when the text is not valid base64 or when
// the byte count is not a whole number of sample frames.
func Decode(c EncodedChunk, sampleRate, channels int) (Buffer, error) {
	if channels < 1 {
		return Buffer{}, fmt.Errorf("%w: channel count %d", ErrMalformedChunk, channels)
	}
	pcm, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedChunk, len(pcm), frameBytes)
	}

	frames := len(pcm) / frameBytes
	buf := Buffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for ch := range buf.Channels {
		buf.Channels[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			v := int16(pcm[off]) | int16(pcm[off+1])<<8
			buf.Channels[ch][i] = float32(v) / 32768
		}
	}
	return buf, nil
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	case v != v: // NaN
		return 0
	}
	return int16(v)
}
