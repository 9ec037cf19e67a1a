package graph

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// MaskedMSE computes the weighted mean squared error between pred and target.
// weight must have the same element count as pred; elements with zero weight
// do not contribute. The result is Σ w*(p-t)² / Σ w, or zero when all
// weights are zero.
func (g *Tape) MaskedMSE(pred *Node, target, weight *tensor.Tensor) (*Node, error) {
	return g.maskedElementwise("mse", pred, target, weight,
		func(delta float32) float32 { return delta * delta },
		func(delta float32) float32 { return 2 * delta })
}

// MaskedMAE computes the weighted mean absolute error between pred and
// target, Σ w*|p-t| / Σ w.
func (g *Tape) MaskedMAE(pred *Node, target, weight *tensor.Tensor) (*Node, error) {
	return g.maskedElementwise("mae", pred, target, weight,
		func(delta float32) float32 { return float32(math.Abs(float64(delta))) },
		func(delta float32) float32 {
			switch {
			case delta > 0:
				return 1
			case delta < 0:
				return -1
			default:
				return 0
			}
		})
}

func (g *Tape) maskedElementwise(name string, pred *Node, target, weight *tensor.Tensor, value, deriv func(float32) float32) (*Node, error) {
	if err := checkOne(name, pred); err != nil {
		return nil, err
	}

	if target == nil || weight == nil {
		return nil, fmt.Errorf("graph: %s requires non-nil target and weight", name)
	}

	pd := pred.Value.RawData()
	td := target.RawData()
	wd := weight.RawData()

	if len(pd) != len(td) || len(pd) != len(wd) {
		return nil, fmt.Errorf("graph: %s size mismatch: pred %d, target %d, weight %d", name, len(pd), len(td), len(wd))
	}

	var sum, wSum float64

	for i := range pd {
		if wd[i] == 0 {
			continue
		}

		sum += float64(wd[i]) * float64(value(pd[i]-td[i]))
		wSum += float64(wd[i])
	}

	var loss float32
	if wSum > 0 {
		loss = float32(sum / wSum)
	}

	out := Constant(tensor.Scalar(loss))

	g.record(func() {
		if wSum == 0 {
			return
		}

		upstream := out.Grad()[0]
		pg := pred.Grad()
		inv := float32(1 / wSum)

		for i := range pd {
			if wd[i] == 0 {
				continue
			}

			pg[i] += upstream * wd[i] * inv * deriv(pd[i]-td[i])
		}
	})

	return out, nil
}

// CrossEntropy computes a weighted softmax cross-entropy over the last
// dimension of logits. labels holds one class index per row of the
// flattened [rows, classes] view; weight holds one weight per row, with zero
// marking rows excluded from the loss. The result is
// Σ w * -log softmax(logits)[label] / Σ w.
func (g *Tape) CrossEntropy(logits *Node, labels []int64, weight []float32) (*Node, error) {
	if err := checkOne("cross entropy", logits); err != nil {
		return nil, err
	}

	shape := logits.Value.Shape()
	if len(shape) < 1 {
		return nil, errors.New("graph: cross entropy requires rank >= 1 logits")
	}

	classes := int(shape[len(shape)-1])
	rows := logits.Value.ElemCount() / classes

	if len(labels) != rows || len(weight) != rows {
		return nil, fmt.Errorf("graph: cross entropy expects %d labels and weights, got %d and %d", rows, len(labels), len(weight))
	}

	probs, err := tensor.Softmax(logits.Value, -1)
	if err != nil {
		return nil, fmt.Errorf("graph: cross entropy softmax: %w", err)
	}

	pd := probs.RawData()

	var sum, wSum float64

	for r := range rows {
		if weight[r] == 0 {
			continue
		}

		label := labels[r]
		if label < 0 || label >= int64(classes) {
			return nil, fmt.Errorf("graph: cross entropy label %d out of range [0, %d)", label, classes)
		}

		p := float64(pd[r*classes+int(label)])
		if p < 1e-12 {
			p = 1e-12
		}

		sum += float64(weight[r]) * -math.Log(p)
		wSum += float64(weight[r])
	}

	var loss float32
	if wSum > 0 {
		loss = float32(sum / wSum)
	}

	out := Constant(tensor.Scalar(loss))

	g.record(func() {
		if wSum == 0 {
			return
		}

		upstream := out.Grad()[0]
		lg := logits.Grad()
		inv := float32(1 / wSum)

		for r := range rows {
			if weight[r] == 0 {
				continue
			}

			scale := upstream * weight[r] * inv
			base := r * classes

			for c := range classes {
				grad := pd[base+c]
				if int64(c) == labels[r] {
					grad -= 1
				}

				lg[base+c] += scale * grad
			}
		}
	})

	return out, nil
}

// WeightedSum combines scalar loss nodes into Σ w_i * loss_i.
func (g *Tape) WeightedSum(losses []*Node, weights []float32) (*Node, error) {
	if len(losses) == 0 {
		return nil, errors.New("graph: weighted sum requires at least one loss")
	}

	if len(losses) != len(weights) {
		return nil, fmt.Errorf("graph: weighted sum got %d losses and %d weights", len(losses), len(weights))
	}

	var total float32

	for i, l := range losses {
		if err := checkOne("weighted sum", l); err != nil {
			return nil, err
		}

		if l.Value.ElemCount() != 1 {
			return nil, fmt.Errorf("graph: weighted sum loss %d is not scalar, shape %v", i, l.Value.Shape())
		}

		total += weights[i] * l.Value.RawData()[0]
	}

	out := Constant(tensor.Scalar(total))

	g.record(func() {
		upstream := out.Grad()[0]

		for i, l := range losses {
			l.Grad()[0] += upstream * weights[i]
		}
	})

	return out, nil
}
