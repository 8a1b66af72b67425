package normalization

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"brainseg/internal/models"
	"brainseg/pkg/config"
)

// makeTestVolume creates a volume with three intensity clusters inside a
// centered mask, roughly mimicking background, grey and white matter.
func makeTestVolume(seed int64) (*models.Volume, *models.Volume) {
	const size = 12
	vol := models.NewVolume(size, size, size)
	mask := models.NewVolume(size, size, size)

	rng := rand.New(rand.NewSource(seed))
	for z := 2; z < size-2; z++ {
		for y := 2; y < size-2; y++ {
			for x := 2; x < size-2; x++ {
				mask.Set(x, y, z, 1)
				var base float64
				switch (x + y + z) % 3 {
				case 0:
					base = 100
				case 1:
					base = 400
				default:
					base = 800
				}
				vol.Set(x, y, z, base+rng.Float64()*20)
			}
		}
	}
	return vol, mask
}

// TestZScoreNormalize verifies that z-score output has zero mean and unit
// deviation over the masked voxels.
func TestZScoreNormalize(t *testing.T) {
	vol, mask := makeTestVolume(1)

	method, err := New(config.NormZScore, Options{})
	if err != nil {
		t.Fatalf("creating method: %v", err)
	}
	out, err := method.Normalize(vol, mask)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	var sum, sumSq float64
	n := 0
	for i, v := range out.Data {
		if mask.Data[i] == 0 {
			continue
		}
		sum += v
		sumSq += v * v
		n++
	}
	mean := sum / float64(n)
	std := math.Sqrt(sumSq/float64(n) - mean*mean)

	if math.Abs(mean) > 1e-9 {
		t.Errorf("Expected masked mean 0, got %g", mean)
	}
	if math.Abs(std-1) > 1e-2 {
		t.Errorf("Expected masked std 1, got %g", std)
	}

	// The input must not be modified.
	if vol.At(4, 4, 4) == out.At(4, 4, 4) {
		t.Error("Expected output to differ from input inside the mask")
	}
}

// TestMaskedOnly verifies that out-of-mask voxels are forced to zero when the
// option is set and rescaled like the rest otherwise.
func TestMaskedOnly(t *testing.T) {
	vol, mask := makeTestVolume(2)
	vol.Set(0, 0, 0, 500) // outside the mask

	forced, err := New(config.NormZScore, Options{MaskedOnly: true})
	if err != nil {
		t.Fatalf("creating method: %v", err)
	}
	out, err := forced.Normalize(vol, mask)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out.At(0, 0, 0) != 0 {
		t.Errorf("Expected out-of-mask voxel forced to 0, got %g", out.At(0, 0, 0))
	}

	loose, err := New(config.NormZScore, Options{})
	if err != nil {
		t.Fatalf("creating method: %v", err)
	}
	out, err = loose.Normalize(vol, mask)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out.At(0, 0, 0) == 0 {
		t.Error("Expected out-of-mask voxel to follow the affine map")
	}
}

// TestDegenerateInputs verifies that constant or empty masked intensities are
// rejected with a DegenerateInputError.
func TestDegenerateInputs(t *testing.T) {
	const size = 6
	constant := models.NewVolume(size, size, size)
	mask := models.NewVolume(size, size, size)
	for i := range constant.Data {
		constant.Data[i] = 42
		mask.Data[i] = 1
	}
	empty := models.NewVolume(size, size, size)

	for _, name := range []string{config.NormZScore, config.NormWhiteStripe, config.NormFCM} {
		method, err := New(name, Options{})
		if err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}

		if _, err := method.Normalize(constant, mask); err == nil {
			t.Errorf("%s: expected error for constant intensities", name)
		} else {
			var degenerate *DegenerateInputError
			if !errors.As(err, &degenerate) {
				t.Errorf("%s: expected DegenerateInputError, got %v", name, err)
			}
		}

		if _, err := method.Normalize(constant, empty); err == nil {
			t.Errorf("%s: expected error for empty mask", name)
		}
	}
}

// TestRankPreservation verifies that every method preserves the intensity
// ordering of in-mask voxels.
func TestRankPreservation(t *testing.T) {
	vol, mask := makeTestVolume(3)
	refVol, refMask := makeTestVolume(4)
	reference, err := NewHistogram(maskedIntensities(refVol, refMask))
	if err != nil {
		t.Fatalf("building reference histogram: %v", err)
	}

	methods := []string{
		config.NormNone,
		config.NormZScore,
		config.NormWhiteStripe,
		config.NormHistogramMatching,
		config.NormFCM,
	}
	for _, name := range methods {
		method, err := New(name, Options{Reference: reference})
		if err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
		out, err := method.Normalize(vol, mask)
		if err != nil {
			t.Fatalf("%s normalize: %v", name, err)
		}

		in := maskedIntensities(vol, mask)
		mapped := maskedIntensities(out, mask)
		order := make([]int, len(in))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return in[order[a]] < in[order[b]] })
		for i := 1; i < len(order); i++ {
			if mapped[order[i]] < mapped[order[i-1]] {
				t.Errorf("%s: ordering violated between inputs %g and %g",
					name, in[order[i-1]], in[order[i]])
				break
			}
		}
	}
}

// TestHistogramMatchSelf verifies that matching a volume against its own
// histogram is close to the identity inside the mask.
func TestHistogramMatchSelf(t *testing.T) {
	vol, mask := makeTestVolume(5)
	reference, err := NewHistogram(maskedIntensities(vol, mask))
	if err != nil {
		t.Fatalf("building histogram: %v", err)
	}
	method, err := New(config.NormHistogramMatching, Options{Reference: reference})
	if err != nil {
		t.Fatalf("creating method: %v", err)
	}
	out, err := method.Normalize(vol, mask)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	for i, v := range vol.Data {
		if mask.Data[i] == 0 {
			continue
		}
		if math.Abs(out.Data[i]-v) > 1.0 {
			t.Errorf("Self-matching moved %g to %g", v, out.Data[i])
			break
		}
	}
}

// TestHistogramMatchRequiresReference verifies the constructor contract.
func TestHistogramMatchRequiresReference(t *testing.T) {
	if _, err := New(config.NormHistogramMatching, Options{}); err == nil {
		t.Error("Expected error when no reference histogram is given")
	}
}

// TestFCMWhiteMatterTarget verifies that the brightest cluster is pulled onto
// the fixed target intensity.
func TestFCMWhiteMatterTarget(t *testing.T) {
	vol, mask := makeTestVolume(6)

	method, err := New(config.NormFCM, Options{})
	if err != nil {
		t.Fatalf("creating method: %v", err)
	}
	out, err := method.Normalize(vol, mask)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	// Mean of the voxels that started in the brightest cluster (around 800).
	var sum float64
	n := 0
	for i, v := range vol.Data {
		if mask.Data[i] == 0 || v < 700 {
			continue
		}
		sum += out.Data[i]
		n++
	}
	if n == 0 {
		t.Fatal("no bright-cluster voxels found")
	}
	mean := sum / float64(n)
	if math.Abs(mean-fcmTarget) > 0.1 {
		t.Errorf("Expected bright cluster near %g, got mean %g", fcmTarget, mean)
	}
}

// TestFuzzyCMeansDeterministic verifies that clustering the same intensities
// twice yields identical centroids.
func TestFuzzyCMeansDeterministic(t *testing.T) {
	vol, mask := makeTestVolume(7)
	in := maskedIntensities(vol, mask)

	first, err := fuzzyCMeans(in, 3)
	if err != nil {
		t.Fatalf("clustering: %v", err)
	}
	second, err := fuzzyCMeans(in, 3)
	if err != nil {
		t.Fatalf("clustering: %v", err)
	}
	for j := range first {
		if first[j] != second[j] {
			t.Errorf("Centroid %d differs between runs: %g vs %g", j, first[j], second[j])
		}
	}
	for j := 1; j < len(first); j++ {
		if first[j] < first[j-1] {
			t.Errorf("Centroids not sorted: %v", first)
		}
	}
}

// TestUnknownMethod verifies that an unrecognized name is rejected.
func TestUnknownMethod(t *testing.T) {
	if _, err := New("median-shift", Options{}); err == nil {
		t.Error("Expected error for unknown method name")
	}
}
