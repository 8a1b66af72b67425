// Package normalization maps raw MRI intensities onto comparable scales.
// All methods implement the same contract: they never mutate the input volume
// and they preserve the intensity ordering of in-mask voxels, since every
// transform is affine or monotone piecewise linear.
package normalization

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"brainseg/internal/models"
	"brainseg/pkg/config"
)

// DegenerateInputError reports a volume whose masked intensities cannot
// support the selected method, e.g. zero variance under z-score.
type DegenerateInputError struct {
	Method string
	Reason string
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("degenerate input for %s normalization: %s", e.Method, e.Reason)
}

// Options carries the method-independent normalization settings.
type Options struct {
	// MaskedOnly forces out-of-mask voxels to zero instead of passing them
	// through the same rescaling as the in-mask voxels
	MaskedOnly bool

	// Reference is the atlas histogram, required by histogram matching
	Reference *Histogram
}

// Method rescales a volume's intensities using its brain mask.
type Method interface {
	// Name returns the configuration name of the method
	Name() string

	// Normalize returns a new volume with rescaled intensities.
	// The input volume is never modified.
	Normalize(vol, mask *models.Volume) (*models.Volume, error)
}

// New selects a normalization method by its configuration name.
func New(name string, opts Options) (Method, error) {
	switch name {
	case config.NormNone:
		return &identity{}, nil
	case config.NormZScore:
		return &zScore{opts: opts}, nil
	case config.NormWhiteStripe:
		return &whiteStripe{opts: opts}, nil
	case config.NormHistogramMatching:
		if opts.Reference == nil {
			return nil, fmt.Errorf("histogram-matching requires a reference histogram")
		}
		return &histogramMatch{opts: opts}, nil
	case config.NormFCM:
		return &fcmAlign{opts: opts}, nil
	}
	return nil, fmt.Errorf("unknown normalization method %q", name)
}

// maskedIntensities collects the intensities of nonzero-mask voxels in
// z-major scan order.
func maskedIntensities(vol, mask *models.Volume) []float64 {
	out := make([]float64, 0, len(vol.Data))
	for i, v := range vol.Data {
		if mask.Data[i] != 0 {
			out = append(out, v)
		}
	}
	return out
}

// applyAffine builds the output volume for shift/scale methods. Out-of-mask
// voxels either follow the same affine map or are forced to background zero.
func applyAffine(vol, mask *models.Volume, scale, offset float64, maskedOnly bool) *models.Volume {
	out := models.NewVolumeLike(vol)
	for i, v := range vol.Data {
		if maskedOnly && mask.Data[i] == 0 {
			out.Data[i] = 0
			continue
		}
		out.Data[i] = v*scale + offset
	}
	return out
}

// identity passes the volume through unchanged.
type identity struct{}

func (identity) Name() string { return config.NormNone }

func (identity) Normalize(vol, mask *models.Volume) (*models.Volume, error) {
	return vol.Clone(), nil
}

// zScore subtracts the masked mean and divides by the masked standard
// deviation.
type zScore struct {
	opts Options
}

func (z *zScore) Name() string { return config.NormZScore }

func (z *zScore) Normalize(vol, mask *models.Volume) (*models.Volume, error) {
	in := maskedIntensities(vol, mask)
	if len(in) == 0 {
		return nil, &DegenerateInputError{Method: z.Name(), Reason: "empty mask"}
	}
	mean, std := stat.MeanStdDev(in, nil)
	if std == 0 {
		return nil, &DegenerateInputError{Method: z.Name(), Reason: "masked standard deviation is zero"}
	}
	return applyAffine(vol, mask, 1/std, -mean/std, z.opts.MaskedOnly), nil
}

// whiteStripe locates the white-matter mode in the upper masked intensity
// range and rescales so that the stripe around it becomes zero mean, unit
// deviation. Shift and scale only, so ordering is preserved.
type whiteStripe struct {
	opts Options
}

func (w *whiteStripe) Name() string { return config.NormWhiteStripe }

func (w *whiteStripe) Normalize(vol, mask *models.Volume) (*models.Volume, error) {
	in := maskedIntensities(vol, mask)
	if len(in) == 0 {
		return nil, &DegenerateInputError{Method: w.Name(), Reason: "empty mask"}
	}

	sorted := append([]float64(nil), in...)
	sort.Float64s(sorted)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi == lo {
		return nil, &DegenerateInputError{Method: w.Name(), Reason: "constant masked intensities"}
	}

	// White matter is the brightest large structure on T1w, so the mode is
	// searched above the masked median.
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	peak := histogramPeak(sorted, median, hi)

	// The white stripe is a narrow intensity window around the peak.
	halfWidth := 0.05 * (hi - lo)
	var stripe []float64
	for _, v := range in {
		if v >= peak-halfWidth && v <= peak+halfWidth {
			stripe = append(stripe, v)
		}
	}
	if len(stripe) < 2 {
		return nil, &DegenerateInputError{Method: w.Name(), Reason: "white stripe window is empty"}
	}
	mean, std := stat.MeanStdDev(stripe, nil)
	if std == 0 {
		return nil, &DegenerateInputError{Method: w.Name(), Reason: "white stripe has zero variance"}
	}
	return applyAffine(vol, mask, 1/std, -mean/std, w.opts.MaskedOnly), nil
}

// histogramPeak returns the center of the fullest histogram bin over
// [lo, hi], estimated on sorted intensities.
func histogramPeak(sorted []float64, lo, hi float64) float64 {
	const bins = 128
	if hi <= lo {
		return lo
	}
	counts := make([]int, bins)
	width := (hi - lo) / bins
	for _, v := range sorted {
		if v < lo || v > hi {
			continue
		}
		b := int((v - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}
	best := 0
	for b := 1; b < bins; b++ {
		if counts[b] > counts[best] {
			best = b
		}
	}
	return lo + (float64(best)+0.5)*width
}

// histogramMatch warps the source intensity distribution onto the atlas
// reference via a monotone piecewise linear quantile mapping.
type histogramMatch struct {
	opts Options
}

func (h *histogramMatch) Name() string { return config.NormHistogramMatching }

func (h *histogramMatch) Normalize(vol, mask *models.Volume) (*models.Volume, error) {
	in := maskedIntensities(vol, mask)
	if len(in) == 0 {
		return nil, &DegenerateInputError{Method: h.Name(), Reason: "empty mask"}
	}
	src, err := NewHistogram(in)
	if err != nil {
		return nil, &DegenerateInputError{Method: h.Name(), Reason: err.Error()}
	}

	out := models.NewVolumeLike(vol)
	for i, v := range vol.Data {
		if h.opts.MaskedOnly && mask.Data[i] == 0 {
			out.Data[i] = 0
			continue
		}
		out.Data[i] = mapQuantiles(v, src, h.opts.Reference)
	}
	return out, nil
}

// fcmAlign runs fuzzy c-means over the masked intensities, takes the
// highest-intensity cluster as white matter and scales the volume so the
// white-matter centroid lands on a fixed target value.
type fcmAlign struct {
	opts Options
}

// fcmTarget is the intensity the white-matter centroid is mapped to.
const fcmTarget = 1.0

func (f *fcmAlign) Name() string { return config.NormFCM }

func (f *fcmAlign) Normalize(vol, mask *models.Volume) (*models.Volume, error) {
	in := maskedIntensities(vol, mask)
	if len(in) == 0 {
		return nil, &DegenerateInputError{Method: f.Name(), Reason: "empty mask"}
	}

	centroids, err := fuzzyCMeans(in, 3)
	if err != nil {
		return nil, &DegenerateInputError{Method: f.Name(), Reason: err.Error()}
	}
	wm := centroids[len(centroids)-1]
	if wm <= 0 {
		return nil, &DegenerateInputError{Method: f.Name(), Reason: "white matter centroid is not positive"}
	}
	return applyAffine(vol, mask, fcmTarget/wm, 0, f.opts.MaskedOnly), nil
}

// fuzzyCMeans clusters one-dimensional intensities into k clusters with
// fuzzifier m=2. Initialization is deterministic (intensity quantiles), so
// repeated runs on the same volume give the same centroids. The returned
// centroids are sorted ascending.
func fuzzyCMeans(values []float64, k int) ([]float64, error) {
	const (
		maxIter = 100
		tol     = 1e-4
	)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if sorted[0] == sorted[len(sorted)-1] {
		return nil, fmt.Errorf("constant masked intensities")
	}

	// Deterministic seed centroids at evenly spaced quantiles.
	centroids := make([]float64, k)
	for j := 0; j < k; j++ {
		q := (float64(j) + 0.5) / float64(k)
		centroids[j] = stat.Quantile(q, stat.Empirical, sorted, nil)
	}

	weights := make([]float64, k)
	for iter := 0; iter < maxIter; iter++ {
		sumW := make([]float64, k)
		sumWX := make([]float64, k)

		for _, x := range values {
			// Membership u_j = 1 / sum_l (d_j/d_l)^2 for m=2; a zero
			// distance pins the point to that cluster.
			pinned := -1
			for j, c := range centroids {
				d := x - c
				if d == 0 {
					pinned = j
					break
				}
				weights[j] = 1 / (d * d)
			}
			if pinned >= 0 {
				sumW[pinned]++
				sumWX[pinned] += x
				continue
			}
			total := 0.0
			for j := range weights {
				total += weights[j]
			}
			for j := range weights {
				u := weights[j] / total
				sumW[j] += u * u
				sumWX[j] += u * u * x
			}
		}

		shift := 0.0
		for j := range centroids {
			if sumW[j] == 0 {
				continue
			}
			next := sumWX[j] / sumW[j]
			if d := next - centroids[j]; d > shift {
				shift = d
			} else if -d > shift {
				shift = -d
			}
			centroids[j] = next
		}
		if shift < tol {
			break
		}
	}

	sort.Float64s(centroids)
	return centroids, nil
}
