package tensor

// DotProduct returns the dot product of two equal-length float32 slices.
// If the lengths differ, the shorter length is used.
func DotProduct(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	return dotF32(a[:n], b[:n])
}

func dotF32(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}
