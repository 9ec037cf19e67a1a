package dataset

import (
	"errors"
	"fmt"

	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// pitchScale divides Hz values so pitch targets sit near unit scale.
const pitchScale = 100

// DurationsFromAttention extracts per-token frame counts from a
// decoder-to-encoder attention tensor [B, H, mel, phon]: heads are averaged,
// each valid query frame is assigned to its argmax key, and the counts per
// key become the durations. Tokens past phonLens[b] stay 0.
func DurationsFromAttention(att *tensor.Tensor, melLens, phonLens []int64) ([][]float32, error) {
	if att == nil {
		return nil, errors.New("dataset: attention tensor is nil")
	}

	shape := att.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("dataset: attention must be [B, H, mel, phon], got %v", shape)
	}

	b, h, mel, phon := shape[0], shape[1], shape[2], shape[3]

	if int64(len(melLens)) != b || int64(len(phonLens)) != b {
		return nil, fmt.Errorf("dataset: got %d mel and %d phoneme lengths for batch %d", len(melLens), len(phonLens), b)
	}

	raw := att.RawData()
	out := make([][]float32, b)

	for bi := int64(0); bi < b; bi++ {
		mLen, pLen := melLens[bi], phonLens[bi]
		if mLen <= 0 || mLen > mel {
			return nil, fmt.Errorf("dataset: mel length %d outside (0, %d]", mLen, mel)
		}

		if pLen <= 0 || pLen > phon {
			return nil, fmt.Errorf("dataset: phoneme length %d outside (0, %d]", pLen, phon)
		}

		durations := make([]float32, pLen)
		row := make([]float64, pLen)

		for q := int64(0); q < mLen; q++ {
			for k := range row {
				row[k] = 0
			}

			for hi := int64(0); hi < h; hi++ {
				base := ((bi*h+hi)*mel + q) * phon
				for k := int64(0); k < pLen; k++ {
					row[k] += float64(raw[base+k])
				}
			}

			best := 0
			for k := 1; k < len(row); k++ {
				if row[k] > row[best] {
					best = k
				}
			}

			durations[best]++
		}

		out[bi] = durations
	}

	return out, nil
}

// TokenPitch pools per-frame F0 into per-token targets along a duration
// segmentation: each token gets the mean of the voiced frames it spans,
// divided by pitchScale. Tokens with no voiced frames get 0.
func TokenPitch(framePitch []float32, durations []float32) []float32 {
	out := make([]float32, len(durations))

	frame := 0

	for t, d := range durations {
		n := int(d)

		var sum float64
		var voiced int

		for i := 0; i < n && frame < len(framePitch); i++ {
			if p := framePitch[frame]; p > 0 {
				sum += float64(p)
				voiced++
			}

			frame++
		}

		if voiced > 0 {
			out[t] = float32(sum / float64(voiced) / pitchScale)
		}
	}

	return out
}
