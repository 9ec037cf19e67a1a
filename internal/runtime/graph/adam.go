package graph

import "math"

// Adam implements the Adam update rule with bias correction. Moment buffers
// are keyed by parameter node and sized lazily on first use.
type Adam struct {
	LearningRate float32
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    map[*Node][]float32
	v    map[*Node][]float32
}

// NewAdam creates an optimizer with the given learning rate and the moment
// decay rates used throughout training (beta1 0.9, beta2 0.98, eps 1e-9).
func NewAdam(learningRate float32) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.98,
		Epsilon:      1e-9,
		m:            make(map[*Node][]float32),
		v:            make(map[*Node][]float32),
	}
}

// Step applies one update to every parameter from its accumulated gradient,
// then clears the gradients.
func (a *Adam) Step(params []*Node) {
	a.step++

	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for _, p := range params {
		if p == nil || p.Value == nil {
			continue
		}

		grad := p.Grad()

		m, ok := a.m[p]
		if !ok {
			m = make([]float32, len(grad))
			a.m[p] = m
		}

		v, ok := a.v[p]
		if !ok {
			v = make([]float32, len(grad))
			a.v[p] = v
		}

		data := p.Value.RawData()

		for i, gv := range grad {
			g := float64(gv)
			m[i] = float32(a.Beta1*float64(m[i]) + (1-a.Beta1)*g)
			v[i] = float32(a.Beta2*float64(v[i]) + (1-a.Beta2)*g*g)

			mHat := float64(m[i]) / c1
			vHat := float64(v[i]) / c2

			data[i] -= float32(float64(a.LearningRate) * mHat / (math.Sqrt(vHat) + a.Epsilon))
		}

		p.ZeroGrad()
	}
}

// StepCount returns the number of updates applied so far.
func (a *Adam) StepCount() int { return a.step }
