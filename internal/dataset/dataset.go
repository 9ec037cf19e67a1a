// Package dataset reads LJSpeech-layout corpora: a metadata.csv with
// pipe-separated `id|text` lines next to a wavs/ directory. Each sample
// pairs token IDs with a log-mel spectrogram wrapped in the models'
// constant start and end frames, plus per-frame stop labels.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-mel-transformer/internal/audio"
	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
	"github.com/example/go-mel-transformer/internal/text"
	"github.com/example/go-mel-transformer/internal/tokenizer"
)

// Stop labels: 0 marks padding, 1 a regular frame, 2 the end frame.
const (
	StopPad   float32 = 0
	StopFrame float32 = 1
	StopEnd   float32 = 2
)

// Entry is one metadata.csv line.
type Entry struct {
	ID   string
	Text string
}

// Example is one prepared training sample.
type Example struct {
	ID     string
	Tokens []int64

	// Mel is [T, C] including the start and end frames.
	Mel *tensor.Tensor

	// Stop holds one label per mel frame.
	Stop []float32

	// Pitch holds one F0 estimate in Hz per mel frame; the start and end
	// frames and unvoiced frames carry 0.
	Pitch []float32
}

// Dataset lazily loads samples: metadata is read up front, audio on demand.
type Dataset struct {
	dir     string
	entries []Entry
	tok     tokenizer.Pipeline
	mel     *audio.MelExtractor

	audioCfg   config.AudioConfig
	startValue float32
	endValue   float32
	channels   int64
}

// Open reads metadata.csv from dir and prepares the mel front end.
func Open(dir string, modelCfg config.ModelConfig, audioCfg config.AudioConfig, tok tokenizer.Pipeline) (*Dataset, error) {
	if err := tokenizer.Validate(tok); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	entries, err := readMetadata(filepath.Join(dir, "metadata.csv"))
	if err != nil {
		return nil, err
	}

	mel, err := audio.NewMelExtractor(audioCfg, modelCfg.MelChannels)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	return &Dataset{
		dir:        dir,
		entries:    entries,
		tok:        tok,
		mel:        mel,
		audioCfg:   audioCfg,
		startValue: float32(modelCfg.MelStartValue),
		endValue:   float32(modelCfg.MelEndValue),
		channels:   modelCfg.MelChannels,
	}, nil
}

// Len returns the number of metadata entries.
func (d *Dataset) Len() int { return len(d.entries) }

// Entries returns a copy of the metadata listing.
func (d *Dataset) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

// Sample loads and prepares the i-th example: tokenized text, log-mel
// wrapped in start/end frames, and stop labels with StopEnd on the final
// frame.
func (d *Dataset) Sample(i int) (*Example, error) {
	if i < 0 || i >= len(d.entries) {
		return nil, fmt.Errorf("dataset: sample index %d outside [0, %d)", i, len(d.entries))
	}

	entry := d.entries[i]

	normalized, err := text.Normalize(entry.Text)
	if err != nil {
		return nil, fmt.Errorf("dataset: normalize %q: %w", entry.ID, err)
	}

	tokens, err := d.tok.Encode(normalized)
	if err != nil {
		return nil, fmt.Errorf("dataset: encode %q: %w", entry.ID, err)
	}

	wavPath := filepath.Join(d.dir, "wavs", entry.ID+".wav")

	raw, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %q: %w", wavPath, err)
	}

	samples, err := audio.DecodeWAV(raw, d.audioCfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("dataset: decode %q: %w", entry.ID, err)
	}

	mel, err := d.mel.Extract(samples)
	if err != nil {
		return nil, fmt.Errorf("dataset: extract %q: %w", entry.ID, err)
	}

	wrapped, stop, err := d.wrapMel(mel)
	if err != nil {
		return nil, fmt.Errorf("dataset: wrap %q: %w", entry.ID, err)
	}

	framePitch := audio.FramePitch(samples, d.audioCfg)

	// Align with the wrapped mel: zero pitch on the start and end frames.
	pitch := make([]float32, wrapped.Shape()[0])
	copy(pitch[1:], framePitch)
	pitch[len(pitch)-1] = 0

	return &Example{ID: entry.ID, Tokens: tokens, Mel: wrapped, Stop: stop, Pitch: pitch}, nil
}

// wrapMel prepends the start frame, appends the end frame and labels each
// frame for the stop classifier.
func (d *Dataset) wrapMel(mel *tensor.Tensor) (*tensor.Tensor, []float32, error) {
	shape := mel.Shape()
	if len(shape) != 2 || shape[1] != d.channels {
		return nil, nil, fmt.Errorf("dataset: mel must be [T, %d], got %v", d.channels, shape)
	}

	frames := shape[0] + 2
	data := make([]float32, frames*d.channels)

	for c := int64(0); c < d.channels; c++ {
		data[c] = d.startValue
		data[(frames-1)*d.channels+c] = d.endValue
	}

	copy(data[d.channels:], mel.RawData())

	wrapped, err := tensor.New(data, []int64{frames, d.channels})
	if err != nil {
		return nil, nil, err
	}

	stop := make([]float32, frames)
	for t := range stop {
		stop[t] = StopFrame
	}

	stop[frames-1] = StopEnd

	return wrapped, stop, nil
}

// Batch pads examples into model-ready tensors: tokens padded with the
// reserved pad ID, mel zero-padded, stop labels padded with StopPad.
func Batch(examples []*Example) ([][]int64, *tensor.Tensor, *tensor.Tensor, error) {
	if len(examples) == 0 {
		return nil, nil, nil, errors.New("dataset: empty batch")
	}

	var maxTokens int
	var maxFrames, channels int64

	for i, ex := range examples {
		if ex == nil || ex.Mel == nil {
			return nil, nil, nil, fmt.Errorf("dataset: batch example %d is nil", i)
		}

		shape := ex.Mel.Shape()

		if i == 0 {
			channels = shape[1]
		} else if shape[1] != channels {
			return nil, nil, nil, fmt.Errorf("dataset: example %d has %d mel channels, want %d", i, shape[1], channels)
		}

		if int64(len(ex.Stop)) != shape[0] {
			return nil, nil, nil, fmt.Errorf("dataset: example %d has %d stop labels for %d frames", i, len(ex.Stop), shape[0])
		}

		if len(ex.Tokens) > maxTokens {
			maxTokens = len(ex.Tokens)
		}

		if shape[0] > maxFrames {
			maxFrames = shape[0]
		}
	}

	batch := int64(len(examples))
	tokens := make([][]int64, batch)
	melData := make([]float32, batch*maxFrames*channels)
	stopData := make([]float32, batch*maxFrames)

	for b, ex := range examples {
		row := make([]int64, maxTokens)
		copy(row, ex.Tokens)
		tokens[b] = row

		copy(melData[int64(b)*maxFrames*channels:], ex.Mel.RawData())
		copy(stopData[int64(b)*maxFrames:], ex.Stop)
	}

	mel, err := tensor.New(melData, []int64{batch, maxFrames, channels})
	if err != nil {
		return nil, nil, nil, err
	}

	stop, err := tensor.New(stopData, []int64{batch, maxFrames})
	if err != nil {
		return nil, nil, nil, err
	}

	return tokens, mel, stop, nil
}

func readMetadata(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open metadata: %w", err)
	}
	defer f.Close()

	var entries []Entry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0

	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		fields := strings.Split(text, "|")
		if len(fields) < 2 || fields[0] == "" {
			return nil, fmt.Errorf("dataset: metadata line %d: want id|text, got %q", line, text)
		}

		// LJSpeech carries raw and normalized text; the last field is the
		// normalized form when present.
		entries = append(entries, Entry{ID: fields[0], Text: fields[len(fields)-1]})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read metadata: %w", err)
	}

	if len(entries) == 0 {
		return nil, errors.New("dataset: metadata has no entries")
	}

	return entries, nil
}
