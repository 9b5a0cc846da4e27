package workflow

import (
	"slices"
	"strings"
)

const (
	// DefaultConvergenceThreshold is the similarity at which two outputs count as equal
	DefaultConvergenceThreshold = 0.95
	// DefaultOscillationLow is the similarity below which consecutive outputs count as different
	DefaultOscillationLow = 0.5

	// runeLimit bounds the rune-level edit distance; longer texts are compared by words
	runeLimit = 4096
	// wordLimit bounds the word-level edit distance
	wordLimit = 2048
)

// ConvergenceInfo is the result of comparing the last entries of a loop history
type ConvergenceInfo struct {
	Similarity  float64 `json:"similarity"`
	Converged   bool    `json:"converged"`
	Oscillating bool    `json:"oscillating"`
}

// ConvergenceDetector decides whether a loop's outputs have stabilized.
// It is stateless and safe for concurrent use.
type ConvergenceDetector struct {
	threshold      float64
	oscillationLow float64
}

// NewConvergenceDetector creates a detector. Out-of-range values fall back to defaults.
func NewConvergenceDetector(threshold, oscillationLow float64) *ConvergenceDetector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConvergenceThreshold
	}
	if oscillationLow <= 0 || oscillationLow > threshold {
		oscillationLow = min(DefaultOscillationLow, threshold)
	}
	return &ConvergenceDetector{threshold: threshold, oscillationLow: oscillationLow}
}

// Threshold returns the convergence threshold
func (d *ConvergenceDetector) Threshold() float64 { return d.threshold }

// Check compares the newest history entry with the previous ones. With
// fewer than two entries it returns the zero value.
func (d *ConvergenceDetector) Check(history []string) ConvergenceInfo {
	n := len(history)
	if n < 2 {
		return ConvergenceInfo{}
	}

	last := history[n-1]
	sim := Similarity(last, history[n-2])
	info := ConvergenceInfo{
		Similarity: sim,
		Converged:  sim >= d.threshold,
	}
	if n >= 3 && sim < d.oscillationLow {
		info.Oscillating = Similarity(last, history[n-3]) >= d.threshold
	}
	return info
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
// It is symmetric, lies in [0, 1] and is 1 exactly for identical inputs.
// Texts longer than runeLimit are compared word by word.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) > runeLimit || len(rb) > runeLimit {
		wa, wb := strings.Fields(a), strings.Fields(b)
		if slices.Equal(wa, wb) {
			// Whitespace-only differences still count as a change.
			return similarityOf(ra, rb, runeLimit)
		}
		return similarityOf(wa, wb, wordLimit)
	}
	return similarityOf(ra, rb, 0)
}

// similarityOf computes the normalized edit distance. The common prefix and
// suffix are skipped. With a non-zero bound, middles longer than bound are
// aligned over their first bound elements and the remainder is charged as
// edits, so the distance is never underestimated.
func similarityOf[T comparable](a, b []T, bound int) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	a, b = trimCommon(a, b)

	var dist int
	if bound > 0 && (len(a) > bound || len(b) > bound) {
		ka, kb := min(len(a), bound), min(len(b), bound)
		dist = levenshtein(a[:ka], b[:kb]) + max(len(a)-ka, len(b)-kb)
	} else {
		dist = levenshtein(a, b)
	}

	sim := 1 - float64(dist)/float64(longest)
	if sim >= 1 {
		// Distinct inputs never reach 1.
		return 1 - 1/float64(longest+1)
	}
	return sim
}

// trimCommon drops the shared prefix and suffix of a and b
func trimCommon[T comparable](a, b []T) ([]T, []T) {
	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	a, b = a[p:], b[p:]
	q := 0
	for q < len(a) && q < len(b) && a[len(a)-1-q] == b[len(b)-1-q] {
		q++
	}
	return a[:len(a)-q], b[:len(b)-q]
}

func levenshtein[T comparable](a, b []T) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
