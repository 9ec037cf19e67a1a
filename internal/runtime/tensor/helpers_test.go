package tensor

import "math"

// almostEqual compares two float32 slices element-wise. A tolerance of zero
// demands exact equality.
func almostEqual(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if tol == 0 && a[i] != b[i] {
			return false
		}

		if math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}

	return true
}
