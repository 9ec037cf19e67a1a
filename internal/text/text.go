// Package text prepares raw input for the character tokenizer: whitespace
// and case normalization, plus sentence-boundary chunking so long inputs
// fit the encoder's position limit.
package text

import (
	"errors"
	"strings"
	"unicode"
)

// ErrEmptyText is returned when the input is empty or whitespace-only.
var ErrEmptyText = errors.New("text: input is empty")

// Normalize lowercases the input and collapses all whitespace runs to
// single spaces. The character tokenizer drops runes outside its alphabet,
// so punctuation passes through unchanged.
func Normalize(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	space := false

	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}

		if space {
			b.WriteByte(' ')
			space = false
		}

		b.WriteRune(unicode.ToLower(r))
	}

	if b.Len() == 0 {
		return "", ErrEmptyText
	}

	return b.String(), nil
}

// SplitSentences splits on sentence-ending punctuation (., !, ?), keeping
// the terminator attached. Text after the last terminator forms a final
// sentence.
func SplitSentences(s string) []string {
	var out []string

	start := 0

	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			if seg := strings.TrimSpace(s[start : i+1]); seg != "" {
				out = append(out, seg)
			}

			start = i + 1
		}
	}

	if start < len(s) {
		if seg := strings.TrimSpace(s[start:]); seg != "" {
			out = append(out, seg)
		}
	}

	return out
}

// Chunk groups sentences greedily into chunks of at most maxRunes runes.
// A single sentence longer than the limit stays intact as its own chunk;
// maxRunes <= 0 disables chunking.
func Chunk(s string, maxRunes int) []string {
	if maxRunes <= 0 {
		return []string{s}
	}

	sentences := SplitSentences(s)
	if len(sentences) <= 1 {
		return []string{s}
	}

	var chunks []string
	var current strings.Builder
	currentRunes := 0

	for _, sent := range sentences {
		n := len([]rune(sent))

		if currentRunes > 0 && currentRunes+1+n > maxRunes {
			chunks = append(chunks, current.String())
			current.Reset()
			currentRunes = 0
		}

		if currentRunes > 0 {
			current.WriteByte(' ')
			currentRunes++
		}

		current.WriteString(sent)
		currentRunes += n
	}

	if currentRunes > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}
