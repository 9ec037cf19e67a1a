package audio

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// logFloor is the smallest mel energy before the log, bounding the dynamic
// range of silence.
const logFloor = 1e-5

// MelExtractor converts PCM samples to log-mel spectrograms. One extractor
// is safe for sequential reuse; the filterbank is computed once.
type MelExtractor struct {
	cfg      config.AudioConfig
	channels int64

	// filterbank is [channels][fftSize/2+1] triangular mel weights.
	filterbank [][]float64
}

// NewMelExtractor builds the filterbank for the configured geometry.
func NewMelExtractor(cfg config.AudioConfig, melChannels int64) (*MelExtractor, error) {
	if melChannels <= 0 {
		return nil, fmt.Errorf("audio: mel channels must be > 0, got %d", melChannels)
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be > 0, got %d", cfg.SampleRate)
	}

	fmax := cfg.FreqMax
	if fmax <= 0 {
		fmax = float64(cfg.SampleRate) / 2
	}

	if cfg.FreqMin < 0 || cfg.FreqMin >= fmax {
		return nil, fmt.Errorf("audio: bad frequency range [%v, %v]", cfg.FreqMin, fmax)
	}

	fb, err := melFilterbank(melChannels, cfg.FFTSize, cfg.SampleRate, cfg.FreqMin, fmax)
	if err != nil {
		return nil, err
	}

	return &MelExtractor{cfg: cfg, channels: melChannels, filterbank: fb}, nil
}

// Channels returns the number of mel bands.
func (m *MelExtractor) Channels() int64 { return m.channels }

// FramesFor returns the number of spectrogram frames Extract produces for
// a signal of the given sample count.
func (m *MelExtractor) FramesFor(samples int64) int64 {
	if samples <= 0 {
		return 0
	}

	return samples/m.cfg.HopLength + 1
}

// Extract computes the log-mel spectrogram of samples as a [T, channels]
// tensor.
func (m *MelExtractor) Extract(samples []float32) (*tensor.Tensor, error) {
	if len(samples) == 0 {
		return nil, errors.New("audio: extract of empty signal")
	}

	spec, err := STFT(samples, m.cfg.FFTSize, m.cfg.HopLength, m.cfg.WinLength)
	if err != nil {
		return nil, err
	}

	data := make([]float32, int64(len(spec))*m.channels)

	for t, row := range spec {
		for c := int64(0); c < m.channels; c++ {
			var sum float64
			for b, w := range m.filterbank[c] {
				sum += w * row[b]
			}

			if sum < logFloor {
				sum = logFloor
			}

			data[int64(t)*m.channels+c] = float32(math.Log(sum))
		}
	}

	return tensor.New(data, []int64{int64(len(spec)), m.channels})
}

// melFilterbank builds triangular filters on the HTK mel scale.
func melFilterbank(channels, fftSize, sampleRate int64, fmin, fmax float64) ([][]float64, error) {
	bins := fftSize/2 + 1

	lo := hzToMel(fmin)
	hi := hzToMel(fmax)

	// channels+2 evenly spaced mel points anchor the triangles.
	points := make([]float64, channels+2)
	for i := range points {
		mel := lo + (hi-lo)*float64(i)/float64(channels+1)
		points[i] = melToHz(mel) * float64(fftSize) / float64(sampleRate)
	}

	fb := make([][]float64, channels)

	for c := int64(0); c < channels; c++ {
		left, center, right := points[c], points[c+1], points[c+2]
		if right-left <= 0 {
			return nil, fmt.Errorf("audio: degenerate mel filter %d, too many channels for the frequency range", c)
		}

		row := make([]float64, bins)

		for b := int64(0); b < bins; b++ {
			f := float64(b)

			switch {
			case f <= left || f >= right:
			case f <= center:
				if center > left {
					row[b] = (f - left) / (center - left)
				}
			default:
				if right > center {
					row[b] = (right - f) / (right - center)
				}
			}
		}

		fb[c] = row
	}

	return fb, nil
}

func hzToMel(f float64) float64 {
	return 2595 * math.Log10(1+f/700)
}

func melToHz(m float64) float64 {
	return 700 * (math.Pow(10, m/2595) - 1)
}
