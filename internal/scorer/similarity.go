package scorer

import "math"

// Cosine returns the cosine similarity of two unit vectors, which is their
// dot product clamped to [-1, 1]. Vectors are not re-normalised, so a
// producer that skipped normalisation gets a visibly wrong score. Empty
// input, mismatched lengths and zero vectors yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot float64
	zeroA, zeroB := true, true
	for i := range a {
		dot += a[i] * b[i]
		zeroA = zeroA && a[i] == 0
		zeroB = zeroB && b[i] == 0
	}
	if zeroA || zeroB || math.IsNaN(dot) {
		return 0
	}
	return math.Max(-1, math.Min(1, dot))
}
