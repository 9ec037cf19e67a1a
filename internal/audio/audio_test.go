package audio

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/example/go-mel-transformer/internal/config"
)

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{
		SampleRate: 22050,
		FFTSize:    1024,
		HopLength:  256,
		WinLength:  1024,
		FreqMin:    0,
		FreqMax:    8000,
	}
}

func sine(freq float64, rate, n int64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}

	return out
}

func TestFFTMatchesNaiveDFT(t *testing.T) {
	const n = 32

	x := make([]complex128, n)
	for i := range x {
		x[i] = complex(math.Sin(float64(i))*0.7, 0)
	}

	want := make([]complex128, n)
	for k := range want {
		for i := range x {
			angle := -2 * math.Pi * float64(k) * float64(i) / n
			want[k] += x[i] * cmplx.Exp(complex(0, angle))
		}
	}

	fft(x)

	for k := range x {
		if cmplx.Abs(x[k]-want[k]) > 1e-9 {
			t.Fatalf("fft bin %d = %v, want %v", k, x[k], want[k])
		}
	}
}

func TestSTFTPeaksAtSignalFrequency(t *testing.T) {
	cfg := testAudioConfig()

	const freq = 440.0

	spec, err := STFT(sine(freq, cfg.SampleRate, cfg.SampleRate/4), cfg.FFTSize, cfg.HopLength, cfg.WinLength)
	if err != nil {
		t.Fatalf("stft: %v", err)
	}

	mid := spec[len(spec)/2]

	peak := 0
	for b := range mid {
		if mid[b] > mid[peak] {
			peak = b
		}
	}

	wantBin := int(math.Round(freq * float64(cfg.FFTSize) / float64(cfg.SampleRate)))
	if peak < wantBin-1 || peak > wantBin+1 {
		t.Fatalf("peak bin = %d, want about %d", peak, wantBin)
	}
}

func TestSTFTRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := STFT(sine(440, 22050, 2048), 1000, 256, 1000); err == nil {
		t.Fatal("expected error for non power-of-two fft size")
	}
}

func TestMelFilterbankRowsCoverRange(t *testing.T) {
	fb, err := melFilterbank(80, 1024, 22050, 0, 8000)
	if err != nil {
		t.Fatalf("filterbank: %v", err)
	}

	if len(fb) != 80 {
		t.Fatalf("filters = %d, want 80", len(fb))
	}

	for c, row := range fb {
		var sum float64
		for _, w := range row {
			if w < 0 {
				t.Fatalf("filter %d has negative weight", c)
			}

			sum += w
		}

		if sum == 0 {
			t.Fatalf("filter %d is empty", c)
		}
	}
}

func TestMelFilterbankRejectsDegenerateFilters(t *testing.T) {
	// Far more channels than FFT bins in a narrow band collapses triangles.
	if _, err := melFilterbank(512, 64, 22050, 0, 1000); err == nil {
		t.Fatal("expected degenerate filter error")
	}
}

func TestExtractShapeAndFiniteness(t *testing.T) {
	cfg := testAudioConfig()

	ex, err := NewMelExtractor(cfg, 80)
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}

	samples := sine(220, cfg.SampleRate, cfg.SampleRate/10)

	mel, err := ex.Extract(samples)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	shape := mel.Shape()
	if shape[1] != 80 {
		t.Fatalf("channels = %d, want 80", shape[1])
	}

	if shape[0] != ex.FramesFor(int64(len(samples))) {
		t.Fatalf("frames = %d, want %d", shape[0], ex.FramesFor(int64(len(samples))))
	}

	for i, v := range mel.RawData() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("mel[%d] = %v, want finite", i, v)
		}
	}
}

func TestFramePitchDetectsSineFrequency(t *testing.T) {
	cfg := testAudioConfig()

	const freq = 220.0

	pitch := FramePitch(sine(freq, cfg.SampleRate, cfg.SampleRate/4), cfg)
	if len(pitch) == 0 {
		t.Fatal("no pitch frames")
	}

	mid := pitch[len(pitch)/2]
	if mid < freq*0.95 || mid > freq*1.05 {
		t.Fatalf("pitch = %v Hz, want about %v", mid, freq)
	}
}

func TestFramePitchSilenceIsUnvoiced(t *testing.T) {
	cfg := testAudioConfig()

	pitch := FramePitch(make([]float32, cfg.SampleRate/10), cfg)

	for i, p := range pitch {
		if p != 0 {
			t.Fatalf("pitch[%d] = %v, want 0 for silence", i, p)
		}
	}
}

func TestWAVRoundTrip(t *testing.T) {
	const rate = 22050

	samples := sine(440, rate, 2048)

	data, err := EncodeWAV(samples, rate)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	back, err := DecodeWAV(data, rate)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(back) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(back), len(samples))
	}

	for i := range samples {
		if diff := math.Abs(float64(samples[i] - back[i])); diff > 1e-3 {
			t.Fatalf("sample %d differs by %v", i, diff)
		}
	}
}

func TestDecodeWAVRejectsWrongRate(t *testing.T) {
	data, err := EncodeWAV(sine(440, 22050, 1024), 22050)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := DecodeWAV(data, 16000); err == nil {
		t.Fatal("expected format mismatch error")
	}
}
