package audio

import "github.com/example/go-mel-transformer/internal/config"

// Pitch search range in Hz, covering typical speech F0.
const (
	pitchMinHz = 70
	pitchMaxHz = 400

	// voicedThreshold rejects frames whose best normalized autocorrelation
	// peak is too weak to be periodic.
	voicedThreshold = 0.3
)

// FramePitch estimates per-frame F0 in Hz via normalized autocorrelation,
// one value per hop, aligned with the mel frames of Extract. Unvoiced or
// silent frames yield 0.
func FramePitch(samples []float32, cfg config.AudioConfig) []float32 {
	if len(samples) == 0 || cfg.SampleRate <= 0 || cfg.HopLength <= 0 {
		return nil
	}

	win := cfg.WinLength
	if win <= 0 || win > int64(len(samples)) {
		win = int64(len(samples))
	}

	minLag := cfg.SampleRate / pitchMaxHz
	maxLag := cfg.SampleRate / pitchMinHz

	if maxLag >= win {
		maxLag = win - 1
	}

	frames := int64(len(samples))/cfg.HopLength + 1
	out := make([]float32, frames)

	if minLag < 1 || maxLag <= minLag {
		return out
	}

	for f := int64(0); f < frames; f++ {
		start := f * cfg.HopLength

		end := start + win
		if end > int64(len(samples)) {
			end = int64(len(samples))
		}

		frame := samples[start:end]
		if int64(len(frame)) <= maxLag {
			continue
		}

		out[f] = pitchOf(frame, minLag, maxLag, cfg.SampleRate)
	}

	return out
}

func pitchOf(frame []float32, minLag, maxLag, sampleRate int64) float32 {
	var energy float64
	for _, s := range frame {
		energy += float64(s) * float64(s)
	}

	if energy < 1e-6 {
		return 0
	}

	bestLag := int64(0)
	bestCorr := 0.0

	for lag := minLag; lag <= maxLag; lag++ {
		var corr float64
		for i := int64(0); i < int64(len(frame))-lag; i++ {
			corr += float64(frame[i]) * float64(frame[i+lag])
		}

		corr /= energy

		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}

	if bestCorr < voicedThreshold || bestLag == 0 {
		return 0
	}

	return float32(sampleRate) / float32(bestLag)
}
