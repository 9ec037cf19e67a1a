package audio

import (
	"fmt"
	"math"
	"math/cmplx"
)

// hann returns a periodic Hann window of the given length.
func hann(n int64) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}

	return w
}

// fft computes the in-place radix-2 Cooley-Tukey FFT. len(x) must be a
// power of two.
func fft(x []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}

		j ^= bit

		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		step := -2 * math.Pi / float64(size)

		for start := 0; start < n; start += size {
			for k := 0; k < size/2; k++ {
				w := cmplx.Exp(complex(0, step*float64(k)))
				a := x[start+k]
				b := x[start+k+size/2] * w
				x[start+k] = a + b
				x[start+k+size/2] = a - b
			}
		}
	}
}

// STFT computes the magnitude spectrogram of samples: [frames][fftSize/2+1].
// Frames are centered, with the signal reflect-padded by fftSize/2 on both
// sides, and windowed with a periodic Hann window of winLength zero-padded
// to fftSize.
func STFT(samples []float32, fftSize, hopLength, winLength int64) ([][]float64, error) {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("audio: fft size %d must be a power of two", fftSize)
	}

	if hopLength <= 0 || winLength <= 0 || winLength > fftSize {
		return nil, fmt.Errorf("audio: bad stft geometry: hop %d, window %d, fft %d", hopLength, winLength, fftSize)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("audio: stft of empty signal")
	}

	padded := reflectPad(samples, fftSize/2)
	window := hann(winLength)
	offset := (fftSize - winLength) / 2

	frames := (int64(len(padded))-fftSize)/hopLength + 1
	if frames < 1 {
		frames = 1
	}

	bins := fftSize/2 + 1
	out := make([][]float64, frames)
	buf := make([]complex128, fftSize)

	for f := int64(0); f < frames; f++ {
		start := f * hopLength

		for i := range buf {
			buf[i] = 0
		}

		for i := int64(0); i < winLength; i++ {
			idx := start + offset + i
			if idx < int64(len(padded)) {
				buf[offset+i] = complex(float64(padded[idx])*window[i], 0)
			}
		}

		fft(buf)

		row := make([]float64, bins)
		for i := range row {
			row[i] = cmplx.Abs(buf[i])
		}

		out[f] = row
	}

	return out, nil
}

func reflectPad(samples []float32, pad int64) []float32 {
	n := int64(len(samples))
	if pad >= n {
		pad = n - 1
	}

	out := make([]float32, n+2*pad)

	for i := int64(0); i < pad; i++ {
		out[i] = samples[pad-i]
	}

	copy(out[pad:], samples)

	for i := int64(0); i < pad; i++ {
		out[pad+n+i] = samples[n-2-i]
	}

	return out
}
