package audio_test

import (
	"math"
	"testing"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
)

func approxEqual(a, b, eps float32) bool {
	return float32(math.Abs(float64(a-b))) <= eps
}

func TestResample_SameRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := audio.Resample(in, 24000, 24000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResample_Upsample(t *testing.T) {
	in := []float32{0, 0.5, 1, 0.5}
	out := audio.Resample(in, 24000, 48000)
	if len(out) != 8 {
		t.Fatalf("len = %d; want 8", len(out))
	}
	// Even indices land on source samples, odd ones halfway between.
	want := []float32{0, 0.25, 0.5, 0.75, 1, 0.75, 0.5, 0.5}
	for i := range want {
		if !approxEqual(out[i], want[i], 1e-6) {
			t.Errorf("out[%d] = %v; want %v", i, out[i], want[i])
		}
	}
}

func TestResample_Downsample(t *testing.T) {
	in := make([]float32, 12288)
	for i := range in {
		in[i] = 0.25
	}
	out := audio.Resample(in, 48000, 16000)
	if len(out) != 4096 {
		t.Fatalf("len = %d; want 4096", len(out))
	}
	for i, s := range out {
		if !approxEqual(s, 0.25, 1e-6) {
			t.Fatalf("out[%d] = %v; want 0.25", i, s)
		}
	}
}

func TestResample_InvalidRates(t *testing.T) {
	in := []float32{1, 2}
	if out := audio.Resample(in, 0, 16000); len(out) != len(in) {
		t.Errorf("zero src rate should return input unchanged, got len %d", len(out))
	}
	if out := audio.Resample(in, 16000, -1); len(out) != len(in) {
		t.Errorf("negative dst rate should return input unchanged, got len %d", len(out))
	}
}

func TestResampleTo_ExactBlock(t *testing.T) {
	in := make([]float32, 4410)
	out := audio.ResampleTo(in, 4096)
	if len(out) != 4096 {
		t.Errorf("len = %d; want 4096", len(out))
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name       string
		in         audio.Buffer
		target     audio.Format
		wantCh     int
		wantFrames int
		wantFirst  float32
	}{
		{
			name:       "unchanged",
			in:         audio.Buffer{Channels: [][]float32{{0.5, 0.5}}, SampleRate: 24000},
			target:     audio.Format{SampleRate: 24000, Channels: 1},
			wantCh:     1,
			wantFrames: 2,
			wantFirst:  0.5,
		},
		{
			name:       "mono to stereo",
			in:         audio.Buffer{Channels: [][]float32{{0.5, 0.5}}, SampleRate: 24000},
			target:     audio.Format{SampleRate: 24000, Channels: 2},
			wantCh:     2,
			wantFrames: 2,
			wantFirst:  0.5,
		},
		{
			name:       "stereo to mono averages",
			in:         audio.Buffer{Channels: [][]float32{{0.2, 0.2}, {0.4, 0.4}}, SampleRate: 24000},
			target:     audio.Format{SampleRate: 24000, Channels: 1},
			wantCh:     1,
			wantFrames: 2,
			wantFirst:  0.3,
		},
		{
			name:       "24k mono to 48k stereo",
			in:         audio.Buffer{Channels: [][]float32{{0.1, 0.1, 0.1}}, SampleRate: 24000},
			target:     audio.Format{SampleRate: 48000, Channels: 2},
			wantCh:     2,
			wantFrames: 6,
			wantFirst:  0.1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := audio.Convert(tc.in, tc.target)
			if len(out.Channels) != tc.wantCh {
				t.Fatalf("channels = %d; want %d", len(out.Channels), tc.wantCh)
			}
			if out.Frames() != tc.wantFrames {
				t.Errorf("frames = %d; want %d", out.Frames(), tc.wantFrames)
			}
			if out.SampleRate != tc.target.SampleRate {
				t.Errorf("rate = %d; want %d", out.SampleRate, tc.target.SampleRate)
			}
			for ch := range out.Channels {
				if !approxEqual(out.Channels[ch][0], tc.wantFirst, 1e-6) {
					t.Errorf("channel %d first sample = %v; want %v", ch, out.Channels[ch][0], tc.wantFirst)
				}
			}
		})
	}
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz/mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz/stereo"},
		{audio.Format{SampleRate: 48000, Channels: 6}, "48000Hz/6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("Format%v.String() = %q; want %q", tc.f, got, tc.want)
		}
	}
}
