// Package diagnostics scores decoder-to-encoder attention maps for the
// monotonic, sharply peaked, near-diagonal alignment expected of healthy
// text-to-mel training. The scores are observational only; they never feed
// the loss.
package diagnostics

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// Scores holds the three per-example, per-head attention health scores,
// indexed [batch][head]. Callers aggregate (mean, percentile) as needed.
type Scores struct {
	Jump        [][]float32
	Peak        [][]float32
	Diagonality [][]float32
}

// AttentionScore evaluates an attention tensor [B, H, mel, phon] against
// per-example valid lengths. r bounds the forward step size a monotonic
// alignment is allowed to take between consecutive query frames.
func AttentionScore(att *tensor.Tensor, melLen, phonLen []int64, r int64) (*Scores, error) {
	if att == nil {
		return nil, errors.New("diagnostics: attention tensor is nil")
	}

	shape := att.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("diagnostics: attention must be [B, H, mel, phon], got %v", shape)
	}

	b := shape[0]
	if int64(len(melLen)) != b || int64(len(phonLen)) != b {
		return nil, fmt.Errorf("diagnostics: got %d mel and %d phon lengths for batch %d", len(melLen), len(phonLen), b)
	}

	for i := range melLen {
		if melLen[i] <= 0 || melLen[i] > shape[2] {
			return nil, fmt.Errorf("diagnostics: mel length %d outside (0, %d]", melLen[i], shape[2])
		}

		if phonLen[i] <= 0 || phonLen[i] > shape[3] {
			return nil, fmt.Errorf("diagnostics: phoneme length %d outside (0, %d]", phonLen[i], shape[3])
		}
	}

	jump, err := JumpScore(att, melLen, r)
	if err != nil {
		return nil, err
	}

	peak, err := PeakScore(att, melLen)
	if err != nil {
		return nil, err
	}

	diag, err := Diagonality(att, melLen, phonLen)
	if err != nil {
		return nil, err
	}

	return &Scores{Jump: jump, Peak: peak, Diagonality: diag}, nil
}

// JumpScore measures monotonicity: the fraction of consecutive valid query
// steps whose peak key index moves forward by at most r positions and never
// backward. 1.0 is a perfectly monotonic bounded-step alignment.
func JumpScore(att *tensor.Tensor, melLen []int64, r int64) ([][]float32, error) {
	shape := att.Shape()
	b, h, mel, phon := shape[0], shape[1], shape[2], shape[3]
	raw := att.RawData()

	out := alloc(b, h)

	for bi := range b {
		valid := melLen[bi]

		for hi := range h {
			if valid <= 1 {
				continue
			}

			var count int64

			prev := argmaxRow(raw, ((bi*h+hi)*mel)*phon, phon)

			for q := int64(1); q < valid; q++ {
				cur := argmaxRow(raw, ((bi*h+hi)*mel+q)*phon, phon)

				delta := cur - prev
				if delta >= 0 && delta <= r {
					count++
				}

				prev = cur
			}

			out[bi][hi] = float32(count) / float32(valid-1)
		}
	}

	return out, nil
}

// PeakScore is the mean maximum attention weight over valid query rows;
// higher means sharper distributions.
func PeakScore(att *tensor.Tensor, melLen []int64) ([][]float32, error) {
	shape := att.Shape()
	b, h, mel, phon := shape[0], shape[1], shape[2], shape[3]
	raw := att.RawData()

	out := alloc(b, h)

	for bi := range b {
		valid := melLen[bi]

		for hi := range h {
			var sum float64

			for q := range valid {
				base := ((bi*h+hi)*mel + q) * phon
				maxV := raw[base]

				for k := int64(1); k < phon; k++ {
					if v := raw[base+k]; v > maxV {
						maxV = v
					}
				}

				sum += float64(maxV)
			}

			out[bi][hi] = float32(sum / float64(valid))
		}
	}

	return out, nil
}

// Diagonality sums attention mass weighted by each cell's distance from the
// ideal (0,0)-(phonLen, melLen) diagonal in normalized coordinates, then
// reports the reciprocal so that higher means better aligned. A mass
// distribution exactly on the diagonal has zero distance and scores +Inf.
func Diagonality(att *tensor.Tensor, melLen, phonLen []int64) ([][]float32, error) {
	shape := att.Shape()
	b, h, mel, phon := shape[0], shape[1], shape[2], shape[3]
	raw := att.RawData()

	out := alloc(b, h)

	for bi := range b {
		mLen, pLen := melLen[bi], phonLen[bi]

		for hi := range h {
			var sum float64

			for q := range mLen {
				base := ((bi*h+hi)*mel + q) * phon
				qNorm := float64(q) / float64(mLen)

				for k := range pLen {
					dist := math.Abs(float64(k)/float64(pLen) - qNorm)
					sum += float64(raw[base+k]) * dist
				}
			}

			out[bi][hi] = float32(1 / sum)
		}
	}

	return out, nil
}

func argmaxRow(raw []float32, base, width int64) int64 {
	best := int64(0)
	bestV := raw[base]

	for k := int64(1); k < width; k++ {
		if v := raw[base+k]; v > bestV {
			bestV = v
			best = k
		}
	}

	return best
}

func alloc(b, h int64) [][]float32 {
	out := make([][]float32, b)
	for i := range out {
		out[i] = make([]float32, h)
	}

	return out
}
