package tensor

import (
	"strings"
	"testing"
)

func TestElemCount(t *testing.T) {
	tests := []struct {
		name  string
		shape []int64
		want  int
	}{
		{"scalar", nil, 1},
		{"vector", []int64{5}, 5},
		{"matrix", []int64{3, 4}, 12},
		{"zero dim collapses", []int64{3, 0, 5}, 0},
	}

	for _, tt := range tests {
		got, err := elemCount(tt.shape)
		if err != nil {
			t.Fatalf("%s: elemCount(%v): %v", tt.name, tt.shape, err)
		}

		if got != tt.want {
			t.Fatalf("%s: elemCount(%v) = %d, want %d", tt.name, tt.shape, got, tt.want)
		}
	}
}

func TestElemCountRejectsNegativeDim(t *testing.T) {
	_, err := elemCount([]int64{2, -3})
	if err == nil || !strings.Contains(err.Error(), "negative") {
		t.Fatalf("elemCount with negative dim: got %v", err)
	}
}

func TestNormalizeDim(t *testing.T) {
	tests := []struct {
		dim, rank int
		want      int
	}{
		{0, 3, 0},
		{1, 3, 1},
		{2, 3, 2},
		{-1, 3, 2},
		{-3, 3, 0},
	}

	for _, tt := range tests {
		got, err := normalizeDim(tt.dim, tt.rank)
		if err != nil {
			t.Fatalf("normalizeDim(%d, %d): %v", tt.dim, tt.rank, err)
		}

		if got != tt.want {
			t.Fatalf("normalizeDim(%d, %d) = %d, want %d", tt.dim, tt.rank, got, tt.want)
		}
	}

	if _, err := normalizeDim(3, 3); err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("normalizeDim(3, 3): got %v, want out-of-range error", err)
	}

	if _, err := normalizeDim(-4, 3); err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("normalizeDim(-4, 3): got %v, want out-of-range error", err)
	}

	if _, err := normalizeDim(0, -1); err == nil || !strings.Contains(err.Error(), "invalid rank") {
		t.Fatalf("normalizeDim(0, -1): got %v, want invalid-rank error", err)
	}
}

func TestRowMajorStrides(t *testing.T) {
	if got := rowMajorStrides(nil); got != nil {
		t.Fatalf("rowMajorStrides(nil) = %v, want nil", got)
	}

	got := rowMajorStrides([]int64{2, 3, 4})
	if !sameDims(got, []int64{12, 4, 1}) {
		t.Fatalf("rowMajorStrides([2 3 4]) = %v, want [12 4 1]", got)
	}
}

func TestUnravelRavelRoundTrip(t *testing.T) {
	shape := []int64{2, 3, 4}
	strides := rowMajorStrides(shape)

	tests := []struct {
		linear int64
		want   []int64
	}{
		{0, []int64{0, 0, 0}},
		{1, []int64{0, 0, 1}},
		{4, []int64{0, 1, 0}},
		{13, []int64{1, 0, 1}},
		{23, []int64{1, 2, 3}},
	}

	for _, tt := range tests {
		coord := make([]int64, len(shape))
		unravel(tt.linear, shape, coord)

		if !sameDims(coord, tt.want) {
			t.Fatalf("unravel(%d) = %v, want %v", tt.linear, coord, tt.want)
		}

		if back := ravel(coord, strides); back != tt.linear {
			t.Fatalf("ravel(%v) = %d, want %d", coord, back, tt.linear)
		}
	}
}
