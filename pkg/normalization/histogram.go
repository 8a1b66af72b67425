package normalization

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// numLandmarks is the number of quantile anchors used for histogram matching.
const numLandmarks = 101

// Histogram is a compact description of an intensity distribution as evenly
// spaced quantile landmarks. It is the reference representation used by
// histogram matching; the atlas provider precomputes one per modality.
type Histogram struct {
	// Landmarks holds the intensities at quantiles 0, 1/(n-1), ..., 1,
	// nondecreasing by construction
	Landmarks []float64
}

// NewHistogram summarizes a set of intensities into quantile landmarks.
func NewHistogram(values []float64) (*Histogram, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("cannot build histogram from no values")
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if sorted[0] == sorted[len(sorted)-1] {
		return nil, fmt.Errorf("cannot build histogram from constant values")
	}

	h := &Histogram{Landmarks: make([]float64, numLandmarks)}
	for i := 0; i < numLandmarks; i++ {
		q := float64(i) / float64(numLandmarks-1)
		h.Landmarks[i] = stat.Quantile(q, stat.Empirical, sorted, nil)
	}
	return h, nil
}

// mapQuantiles maps an intensity from the source distribution onto the
// reference distribution: locate the value's quantile position among the
// source landmarks, then read the reference intensity at the same position.
// Both lookups are piecewise linear over nondecreasing landmarks, so the
// composite map is monotone. Values beyond the landmark range follow the
// slope of the outermost segment.
func mapQuantiles(v float64, src, ref *Histogram) float64 {
	t := quantilePosition(v, src.Landmarks)
	return valueAtPosition(t, ref.Landmarks)
}

// quantilePosition returns the fractional landmark index of v, extended
// linearly beyond the first and last segment.
func quantilePosition(v float64, landmarks []float64) float64 {
	n := len(landmarks)
	if v <= landmarks[0] {
		return extendLeft(v, landmarks)
	}
	if v >= landmarks[n-1] {
		return float64(n-1) + extendRight(v, landmarks)
	}

	i := sort.SearchFloat64s(landmarks, v)
	// v lies in (landmarks[i-1], landmarks[i]]
	lo, hi := landmarks[i-1], landmarks[i]
	if hi == lo {
		return float64(i)
	}
	return float64(i-1) + (v-lo)/(hi-lo)
}

// valueAtPosition reads the landmark sequence at a fractional index.
func valueAtPosition(t float64, landmarks []float64) float64 {
	n := len(landmarks)
	if t <= 0 {
		return landmarks[0] + t*firstSlope(landmarks)
	}
	if t >= float64(n-1) {
		return landmarks[n-1] + (t-float64(n-1))*lastSlope(landmarks)
	}
	i := int(t)
	frac := t - float64(i)
	return landmarks[i] + frac*(landmarks[i+1]-landmarks[i])
}

func extendLeft(v float64, landmarks []float64) float64 {
	s := firstSlope(landmarks)
	if s == 0 {
		return 0
	}
	return (v - landmarks[0]) / s
}

func extendRight(v float64, landmarks []float64) float64 {
	s := lastSlope(landmarks)
	if s == 0 {
		return 0
	}
	return (v - landmarks[len(landmarks)-1]) / s
}

// firstSlope and lastSlope return the slope of the first and last
// non-degenerate landmark segment, for linear extension beyond the range.
func firstSlope(landmarks []float64) float64 {
	for i := 1; i < len(landmarks); i++ {
		if d := landmarks[i] - landmarks[0]; d > 0 {
			return d / float64(i)
		}
	}
	return 0
}

func lastSlope(landmarks []float64) float64 {
	n := len(landmarks)
	for i := n - 2; i >= 0; i-- {
		if d := landmarks[n-1] - landmarks[i]; d > 0 {
			return d / float64(n-1-i)
		}
	}
	return 0
}
