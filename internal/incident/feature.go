package incident

import (
	"math"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Feature vectors are sparse token-weight maps derived from normalized
// title/description tokens plus label key=value pairs. Label tokens
// carry extra weight so a shared service or namespace pulls harder than
// a shared English word.
const (
	titleTokenWeight = 1.0
	descTokenWeight  = 0.5
	labelTokenWeight = 2.0
)

// featuresFromAlert derives the initial feature vector for an incident
// from its first contributing alert.
func featuresFromAlert(a *alert.Alert) map[string]float64 {
	fv := make(map[string]float64)
	for _, tok := range alert.NormalizeTokens(a.Title) {
		fv[tok] += titleTokenWeight
	}
	for _, tok := range alert.NormalizeTokens(a.Description) {
		fv[tok] += descTokenWeight
	}
	for k, v := range a.Labels {
		for _, tok := range alert.NormalizeTokens(k + "=" + v) {
			fv[tok] += labelTokenWeight
		}
	}
	return fv
}

// mergeFeatures folds src into dst, keeping the max weight per token.
// Max (not sum) keeps repeated merges of the same alert from inflating
// the vector.
func mergeFeatures(dst, src map[string]float64) map[string]float64 {
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	for tok, w := range src {
		if w > dst[tok] {
			dst[tok] = w
		}
	}
	return dst
}

// cosine returns the cosine similarity of two sparse vectors in [0,1].
func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// iterate the smaller map
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for tok, wa := range a {
		if wb, ok := b[tok]; ok {
			dot += wa * wb
		}
	}
	if dot == 0 {
		return 0
	}
	var na, nb float64
	for _, w := range a {
		na += w * w
	}
	for _, w := range b {
		nb += w * w
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// labelOverlap returns the fraction of label pairs shared by both
// incidents, relative to the smaller label set. Exact key=value matches
// only.
func labelOverlap(a, b map[string]string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for k, v := range small {
		if lv, ok := large[k]; ok && lv == v {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}
