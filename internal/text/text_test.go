package text

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello world"},
		{"  spaced\t\tout \n lines  ", "spaced out lines"},
		{"MIXED Case!", "mixed case!"},
		{"one\r\ntwo", "one two"},
	}

	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.in, err)
		}

		if got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeRejectsEmptyInput(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := Normalize(in); !errors.Is(err, ErrEmptyText) {
			t.Fatalf("Normalize(%q) err = %v, want ErrEmptyText", in, err)
		}
	}
}

func TestSplitSentencesKeepsTerminators(t *testing.T) {
	got := SplitSentences("first. second! third? trailing")

	want := []string{"first.", "second!", "third?", "trailing"}
	if len(got) != len(want) {
		t.Fatalf("sentences = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunkGroupsSentencesWithinLimit(t *testing.T) {
	got := Chunk("aaaa. bbbb. cccc.", 11)

	want := []string{"aaaa. bbbb.", "cccc."}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunkKeepsOversizedSentenceIntact(t *testing.T) {
	long := "this single sentence is much longer than the limit."

	got := Chunk(long+" ok.", 10)
	if got[0] != long {
		t.Fatalf("chunk = %q, want the oversized sentence intact", got[0])
	}
}

func TestChunkDisabled(t *testing.T) {
	got := Chunk("a. b. c.", 0)
	if len(got) != 1 || got[0] != "a. b. c." {
		t.Fatalf("chunks = %v, want the input unsplit", got)
	}
}
