package audio

import "fmt"

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. The output length is len(samples)*dstRate/srcRate. If the
// rates match, or either is non-positive, samples is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// ResampleTo returns a block of exactly n samples covering the same span as
// samples. Microphones that cannot open at the wire rate use it so every frame
// keeps the fixed capture block size.
func ResampleTo(samples []float32, n int) []float32 {
	if len(samples) == n || n <= 0 {
		return samples
	}
	return Resample(samples, len(samples), n)
}

// Convert adapts b to the target format: resampling first, then mapping
// channels. Mono is copied into every output channel; more channels than
// the target are averaged down. Buffers already in the target format are
// returned unchanged.
func Convert(b Buffer, target Format) Buffer {
	if b.SampleRate == target.SampleRate && len(b.Channels) == target.Channels {
		return b
	}

	out := Buffer{SampleRate: target.SampleRate}
	resampled := make([][]float32, len(b.Channels))
	for i, ch := range b.Channels {
		resampled[i] = Resample(ch, b.SampleRate, target.SampleRate)
	}
	if target.SampleRate <= 0 {
		out.SampleRate = b.SampleRate
	}

	switch {
	case target.Channels <= 0 || len(resampled) == target.Channels:
		out.Channels = resampled
	case len(resampled) == 1:
		out.Channels = Upmix(resampled[0], target.Channels)
	default:
		mono := Downmix(resampled)
		if target.Channels == 1 {
			out.Channels = [][]float32{mono}
		} else {
			out.Channels = Upmix(mono, target.Channels)
		}
	}
	return out
}

// Upmix copies a mono channel into n channels sharing one backing slice.
func Upmix(mono []float32, n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = mono
	}
	return out
}

// Downmix averages all channels into a single mono channel.
func Downmix(channels [][]float32) []float32 {
	if len(channels) == 0 {
		return nil
	}
	if len(channels) == 1 {
		return channels[0]
	}
	n := len(channels[0])
	out := make([]float32, n)
	for _, ch := range channels {
		for i := range min(n, len(ch)) {
			out[i] += ch[i]
		}
	}
	scale := 1 / float32(len(channels))
	for i := range out {
		out[i] *= scale
	}
	return out
}

// formatString formats a sample rate and channel count as a human-readable
// string, e.g. "24000Hz/mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", rate, ch)
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
