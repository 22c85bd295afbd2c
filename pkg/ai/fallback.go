package ai

import "math"

// FallbackEmbedding derives a deterministic unit vector of length dim from
// the character codes of text. It stands in for a real embedding when the
// provider fails so that an entity can still be indexed; identical text
// always maps to the identical vector. Empty text yields a zero vector.
func FallbackEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		return nil
	}
	vec := make([]float32, dim)
	runes := []rune(text)
	if len(runes) == 0 {
		return vec
	}

	acc := make([]float64, dim)
	for i, r := range runes {
		code := float64(r)
		slot := (i*31 + int(r)) % dim
		acc[slot] += math.Sin(code * float64(i+1))
		acc[i%dim] += code / 65536.0
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

// CosineSimilarity of two equal-length vectors; 0 when either is zero or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
