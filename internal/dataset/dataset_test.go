package dataset

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-mel-transformer/internal/audio"
	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
	"github.com/example/go-mel-transformer/internal/tokenizer"
)

func writeFixture(t *testing.T, dir string, ids []string, texts []string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Join(dir, "wavs"), 0o755); err != nil {
		t.Fatal(err)
	}

	var metadata string

	for i, id := range ids {
		metadata += id + "|" + texts[i] + "\n"

		samples := make([]float32, 4096+i*512)
		for s := range samples {
			samples[s] = float32(0.4 * math.Sin(2*math.Pi*330*float64(s)/22050))
		}

		wav, err := audio.EncodeWAV(samples, 22050)
		if err != nil {
			t.Fatalf("encode fixture wav: %v", err)
		}

		if err := os.WriteFile(filepath.Join(dir, "wavs", id+".wav"), wav, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "metadata.csv"), []byte(metadata), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfigs() (config.ModelConfig, config.AudioConfig) {
	model := config.ModelConfig{
		MelChannels:   20,
		MelStartValue: -3,
		MelEndValue:   1,
	}

	aud := config.AudioConfig{
		SampleRate: 22050,
		FFTSize:    1024,
		HopLength:  256,
		WinLength:  1024,
		FreqMin:    0,
		FreqMax:    8000,
	}

	return model, aud
}

func openFixture(t *testing.T, ids, texts []string) *Dataset {
	t.Helper()

	dir := t.TempDir()
	writeFixture(t, dir, ids, texts)

	tok, err := tokenizer.NewChar("abcdefghijklmnopqrstuvwxyz ")
	if err != nil {
		t.Fatal(err)
	}

	model, aud := testConfigs()

	ds, err := Open(dir, model, aud, tok)
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}

	return ds
}

func TestSampleWrapsMelWithStartAndEndFrames(t *testing.T) {
	ds := openFixture(t, []string{"LJ001-0001"}, []string{"hello world"})

	if ds.Len() != 1 {
		t.Fatalf("len = %d, want 1", ds.Len())
	}

	ex, err := ds.Sample(0)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	shape := ex.Mel.Shape()
	if shape[1] != 20 {
		t.Fatalf("channels = %d, want 20", shape[1])
	}

	data := ex.Mel.RawData()

	for c := 0; c < 20; c++ {
		if data[c] != -3 {
			t.Fatalf("start frame channel %d = %v, want -3", c, data[c])
		}

		last := (shape[0]-1)*20 + int64(c)
		if data[last] != 1 {
			t.Fatalf("end frame channel %d = %v, want 1", c, data[last])
		}
	}

	if int64(len(ex.Stop)) != shape[0] {
		t.Fatalf("stop labels = %d, want %d", len(ex.Stop), shape[0])
	}

	for _, s := range ex.Stop[:len(ex.Stop)-1] {
		if s != StopFrame {
			t.Fatalf("interior stop label = %v, want %v", s, StopFrame)
		}
	}

	if ex.Stop[len(ex.Stop)-1] != StopEnd {
		t.Fatalf("final stop label = %v, want %v", ex.Stop[len(ex.Stop)-1], StopEnd)
	}

	// Tokens are wrapped in start/end IDs.
	if ex.Tokens[0] != tokenizer.StartID || ex.Tokens[len(ex.Tokens)-1] != tokenizer.EndID {
		t.Fatalf("tokens = %v, want start/end wrapping", ex.Tokens)
	}

	if int64(len(ex.Pitch)) != shape[0] {
		t.Fatalf("pitch frames = %d, want %d", len(ex.Pitch), shape[0])
	}

	if ex.Pitch[0] != 0 || ex.Pitch[len(ex.Pitch)-1] != 0 {
		t.Fatalf("pitch on start/end frames = %v, %v, want 0", ex.Pitch[0], ex.Pitch[len(ex.Pitch)-1])
	}
}

func TestBatchPadsRaggedExamples(t *testing.T) {
	ds := openFixture(t,
		[]string{"LJ001-0001", "LJ001-0002"},
		[]string{"short", "a somewhat longer sentence"})

	a, err := ds.Sample(0)
	if err != nil {
		t.Fatal(err)
	}

	b, err := ds.Sample(1)
	if err != nil {
		t.Fatal(err)
	}

	tokens, mel, stop, err := Batch([]*Example{a, b})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	if len(tokens[0]) != len(tokens[1]) {
		t.Fatalf("token rows differ: %d vs %d", len(tokens[0]), len(tokens[1]))
	}

	// The shorter row ends in pad IDs.
	if tokens[0][len(tokens[0])-1] != tokenizer.PadID {
		t.Fatal("short token row is not padded")
	}

	melShape := mel.Shape()
	wantFrames := max(a.Mel.Shape()[0], b.Mel.Shape()[0])

	if melShape[0] != 2 || melShape[1] != wantFrames {
		t.Fatalf("mel shape = %v, want [2 %d 20]", melShape, wantFrames)
	}

	// Padded frames of the shorter example are all zero.
	short := a
	if b.Mel.Shape()[0] < short.Mel.Shape()[0] {
		short = b
	}

	shortIdx := int64(0)
	if short == b {
		shortIdx = 1
	}

	data := mel.RawData()
	for tt := short.Mel.Shape()[0]; tt < wantFrames; tt++ {
		for c := int64(0); c < 20; c++ {
			if v := data[shortIdx*wantFrames*20+tt*20+c]; v != 0 {
				t.Fatalf("padding frame %d channel %d = %v, want 0", tt, c, v)
			}
		}
	}

	stopData := stop.RawData()
	if got := stopData[shortIdx*wantFrames+wantFrames-1]; got != StopPad {
		t.Fatalf("padded stop label = %v, want %v", got, StopPad)
	}
}

func TestOpenRejectsMalformedMetadata(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "metadata.csv"), []byte("no-separator-here\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tok, err := tokenizer.NewChar("ab")
	if err != nil {
		t.Fatal(err)
	}

	model, aud := testConfigs()

	if _, err := Open(dir, model, aud, tok); err == nil {
		t.Fatal("expected metadata parse error")
	}
}

func TestMetadataUsesNormalizedTextColumn(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, []string{"LJ001-0001"}, []string{"raw text"})

	// Rewrite metadata with the three-column LJSpeech layout.
	body := "LJ001-0001|Raw Text!|raw text\n"
	if err := os.WriteFile(filepath.Join(dir, "metadata.csv"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	tok, err := tokenizer.NewChar("artwex ")
	if err != nil {
		t.Fatal(err)
	}

	model, aud := testConfigs()

	ds, err := Open(dir, model, aud, tok)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if got := ds.Entries()[0].Text; got != "raw text" {
		t.Fatalf("text = %q, want the normalized column", got)
	}
}

func TestBatchRejectsMismatchedChannels(t *testing.T) {
	melA, _ := tensor.New(make([]float32, 2*4), []int64{2, 4})
	melB, _ := tensor.New(make([]float32, 2*5), []int64{2, 5})

	_, _, _, err := Batch([]*Example{
		{ID: "a", Tokens: []int64{1, 2}, Mel: melA, Stop: []float32{1, 2}},
		{ID: "b", Tokens: []int64{1, 2}, Mel: melB, Stop: []float32{1, 2}},
	})
	if err == nil {
		t.Fatal("expected channel mismatch error")
	}
}
