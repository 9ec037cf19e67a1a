// Package audio is the signal front end for training data: WAV decoding
// and encoding, the short-time Fourier transform and log-mel extraction.
package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

const pcmBitDepth = 16

// ErrFormatMismatch is returned when a decoded WAV does not match the
// configured training format.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// DecodeWAV decodes WAV bytes into float32 PCM samples, normalized to
// [-1, 1]. The file must be mono 16-bit PCM at the given sample rate;
// dataset audio is expected to be preprocessed to one format rather than
// resampled on the fly.
func DecodeWAV(data []byte, sampleRate int64) ([]float32, error) {
	if len(data) == 0 {
		return nil, errors.New("audio: empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("audio: invalid WAV file")
	}

	if int64(dec.SampleRate) != sampleRate {
		return nil, fmt.Errorf("%w: sample rate %d, want %d", ErrFormatMismatch, dec.SampleRate, sampleRate)
	}

	if dec.NumChans != 1 {
		return nil, fmt.Errorf("%w: channels %d, want 1", ErrFormatMismatch, dec.NumChans)
	}

	if dec.BitDepth != pcmBitDepth {
		return nil, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, pcmBitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: reading PCM data: %w", err)
	}

	return buf.Data, nil
}

// EncodeWAV encodes float32 samples in [-1, 1] as mono 16-bit PCM WAV
// bytes.
func EncodeWAV(samples []float32, sampleRate int64) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}

	var buf bytes.Buffer

	// wav.NewEncoder requires an io.WriteSeeker to patch chunk sizes on
	// close; bytes.Buffer is not one.
	sw := &seekBuffer{buf: &buf}

	enc := wav.NewEncoder(sw, int(sampleRate), pcmBitDepth, 1, 1) // 1 = PCM

	clamped := make([]float32, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}

		clamped[i] = s
	}

	pcmBuf := &goaudio.Float32Buffer{
		Data:           clamped,
		Format:         &goaudio.Format{SampleRate: int(sampleRate), NumChannels: 1},
		SourceBitDepth: pcmBitDepth,
	}

	if err := enc.Write(pcmBuf); err != nil {
		return nil, fmt.Errorf("audio: writing PCM: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// seekBuffer wraps a bytes.Buffer to satisfy io.WriteSeeker.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n

		return n, err
	}

	// Writing in the middle: overwrite existing bytes.
	data := s.buf.Bytes()

	n := copy(data[s.pos:], p)
	if n < len(p) {
		data = append(data, p[n:]...)
		s.buf.Reset()
		s.buf.Write(data)
		n = len(p)
	}

	s.pos += n

	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int

	switch whence {
	case 0: // io.SeekStart
		newPos = int(offset)
	case 1: // io.SeekCurrent
		newPos = s.pos + int(offset)
	case 2: // io.SeekEnd
		newPos = s.buf.Len() + int(offset)
	}

	if newPos < 0 {
		return 0, fmt.Errorf("audio: seek before start")
	}

	s.pos = newPos

	return int64(newPos), nil
}
