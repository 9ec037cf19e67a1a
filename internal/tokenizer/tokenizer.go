// Package tokenizer defines the text-pipeline contract the synthesis models
// consume and a character-level reference implementation. ID 0 is reserved
// for padding across the whole system.
package tokenizer

import (
	"errors"
	"fmt"
)

// Pipeline maps raw text to token IDs. Models size their embedding tables
// from VocabSize and wrap sequences with the start/end indices; construction
// fails when the contract is not satisfied.
type Pipeline interface {
	Encode(text string) ([]int64, error)
	VocabSize() int64
	StartTokenIndex() int64
	EndTokenIndex() int64
}

// Validate checks a pipeline against the model requirements: non-nil, a
// positive vocabulary, and start/end indices inside it.
func Validate(p Pipeline) error {
	if p == nil {
		return errors.New("tokenizer: pipeline is nil")
	}

	size := p.VocabSize()
	if size <= 0 {
		return fmt.Errorf("tokenizer: vocab size must be > 0, got %d", size)
	}

	for _, idx := range []int64{p.StartTokenIndex(), p.EndTokenIndex()} {
		if idx <= 0 || idx >= size {
			return fmt.Errorf("tokenizer: token index %d outside (0, %d)", idx, size)
		}
	}

	return nil
}

// Reserved IDs shared by every pipeline implementation.
const (
	PadID   int64 = 0
	StartID int64 = 1
	EndID   int64 = 2
)

// Char is a character-level pipeline over a fixed alphabet. Runes outside
// the alphabet are dropped.
type Char struct {
	index   map[rune]int64
	symbols []string
}

// NewChar builds a character tokenizer. The alphabet must be non-empty and
// free of duplicates.
func NewChar(alphabet string) (*Char, error) {
	if alphabet == "" {
		return nil, errors.New("tokenizer: alphabet must not be empty")
	}

	c := &Char{
		index:   make(map[rune]int64),
		symbols: []string{"<pad>", "<start>", "<end>"},
	}

	for _, r := range alphabet {
		if _, ok := c.index[r]; ok {
			return nil, fmt.Errorf("tokenizer: duplicate alphabet rune %q", r)
		}

		c.index[r] = int64(len(c.symbols))
		c.symbols = append(c.symbols, string(r))
	}

	return c, nil
}

// Encode maps text to IDs wrapped in start/end tokens.
func (c *Char) Encode(text string) ([]int64, error) {
	out := make([]int64, 0, len(text)+2)
	out = append(out, StartID)

	for _, r := range text {
		if id, ok := c.index[r]; ok {
			out = append(out, id)
		}
	}

	out = append(out, EndID)

	return out, nil
}

func (c *Char) VocabSize() int64       { return int64(len(c.symbols)) }
func (c *Char) StartTokenIndex() int64 { return StartID }
func (c *Char) EndTokenIndex() int64   { return EndID }

// Symbol returns the text symbol for an ID, used to match per-phoneme
// duration caps at inference.
func (c *Char) Symbol(id int64) (string, bool) {
	if id < 0 || id >= int64(len(c.symbols)) {
		return "", false
	}

	return c.symbols[id], true
}
