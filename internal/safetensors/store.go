// Package safetensors reads and writes float32 tensors in the safetensors
// container format (8-byte LE header length, JSON header, raw data). It
// backs model checkpoints and mel-spectrogram output files.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

const dtypeF32 = "F32"

// Tensor is a single named float32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Store gives random access to the tensors of one safetensors payload.
type Store struct {
	raw     []byte
	entries map[string]storeEntry
	names   []string
}

type storeEntry struct {
	Shape []int64
	Start int
	End   int
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// Open reads a safetensors file.
func Open(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return FromBytes(data)
}

// FromBytes parses a safetensors payload.
func FromBytes(data []byte) (*Store, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])

	headerEnd := 8 + int(headerLen)
	if headerEnd > len(data) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	entries := make(map[string]storeEntry, len(header))
	names := make([]string, 0, len(header))

	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}

		var e headerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", name, err)
		}

		if !strings.EqualFold(e.DType, dtypeF32) {
			return nil, fmt.Errorf("safetensors: tensor %q has unsupported dtype %q", name, e.DType)
		}

		count, err := elementCount(e.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		start := headerEnd + e.Offsets[0]

		end := headerEnd + e.Offsets[1]
		if e.Offsets[0] < 0 || end < start || end > len(data) {
			return nil, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", name, start, end, len(data))
		}

		if end-start != int(count)*4 {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v needs %d bytes, header gives %d", name, e.Shape, count*4, end-start)
		}

		entries[name] = storeEntry{
			Shape: append([]int64(nil), e.Shape...),
			Start: start,
			End:   end,
		}
		names = append(names, name)
	}

	if len(entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(names)

	return &Store{raw: data, entries: entries, names: names}, nil
}

// Names returns the tensor names in sorted order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

// Has reports whether the store holds a tensor with the given name.
func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Tensor decodes one tensor by name.
func (s *Store) Tensor(name string) (*Tensor, error) {
	entry, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	raw := s.raw[entry.Start:entry.End]
	data := make([]float32, len(raw)/4)

	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return &Tensor{
		Name:  name,
		Shape: append([]int64(nil), entry.Shape...),
		Data:  data,
	}, nil
}

// TensorWithShape decodes a tensor and rejects shape mismatches.
func (s *Store) TensorWithShape(name string, wantShape []int64) (*Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !equalShape(t.Shape, wantShape) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v does not match expected %v", name, t.Shape, wantShape)
	}

	return t, nil
}

// ReadAll decodes every tensor in the store.
func (s *Store) ReadAll() (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(s.names))

	for _, name := range s.names {
		t, err := s.Tensor(name)
		if err != nil {
			return nil, err
		}

		out[name] = t
	}

	return out, nil
}

// Close releases the underlying payload.
func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.names = nil
}

func elementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d", d)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:maxNames], ", ") + ", ..."
}
