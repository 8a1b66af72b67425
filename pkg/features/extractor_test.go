package features

import (
	"math"
	"testing"

	"brainseg/internal/models"
)

// makeTestSubject builds a small single-modality subject with a linear
// intensity ramp along x and a checkerboard ground truth.
func makeTestSubject(id string, size int, withTruth bool) *models.Subject {
	img := models.NewVolume(size, size, size)
	mask := models.NewVolume(size, size, size)
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				img.Set(x, y, z, float64(x)*10)
				if x >= 1 && x < size-1 && y >= 1 && y < size-1 && z >= 1 && z < size-1 {
					mask.Set(x, y, z, 1)
				}
			}
		}
	}

	subject := &models.Subject{
		ID:     id,
		Images: map[string]*models.Volume{models.ModalityT1: img},
		Mask:   mask,
	}
	if withTruth {
		truth := models.NewVolume(size, size, size)
		for i := range truth.Data {
			if mask.Data[i] != 0 {
				truth.Data[i] = float64(models.LabelWhiteMatter + i%2)
			}
		}
		subject.GroundTruth = truth
	}
	return subject
}

// TestExtractorColumnLayout verifies the column count and naming for different
// channel combinations.
func TestExtractorColumnLayout(t *testing.T) {
	modalities := []string{models.ModalityT1, models.ModalityT2}

	full, err := NewExtractor(modalities, true, true, true)
	if err != nil {
		t.Fatalf("creating extractor: %v", err)
	}
	if got := full.NumFeatures(); got != 7 {
		t.Errorf("Expected 7 feature columns, got %d", got)
	}
	names := full.ColumnNames()
	expected := []string{"x", "y", "z", "T1w_intensity", "T2w_intensity", "T1w_gradient", "T2w_gradient"}
	for i, name := range expected {
		if names[i] != name {
			t.Errorf("Column %d: expected %s, got %s", i, name, names[i])
		}
	}

	coordsOnly, err := NewExtractor(nil, true, false, false)
	if err != nil {
		t.Fatalf("creating coordinate-only extractor: %v", err)
	}
	if got := coordsOnly.NumFeatures(); got != 3 {
		t.Errorf("Expected 3 feature columns, got %d", got)
	}

	if _, err := NewExtractor(modalities, false, false, false); err == nil {
		t.Error("Expected error with no feature channels enabled")
	}
	if _, err := NewExtractor(nil, false, true, false); err == nil {
		t.Error("Expected error for intensity features without modalities")
	}
}

// TestExtractRowsMatchMask verifies one row per nonzero mask voxel and the
// row/label alignment.
func TestExtractRowsMatchMask(t *testing.T) {
	subject := makeTestSubject("s1", 6, true)
	extractor, err := NewExtractor([]string{models.ModalityT1}, true, true, true)
	if err != nil {
		t.Fatalf("creating extractor: %v", err)
	}

	matrix, labels, err := extractor.Extract(subject, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	rows, cols := matrix.Dims()
	if want := subject.Mask.MaskCount(); rows != want {
		t.Errorf("Expected %d rows, got %d", want, rows)
	}
	if cols != extractor.NumFeatures() {
		t.Errorf("Expected %d columns, got %d", extractor.NumFeatures(), cols)
	}
	if len(labels) != rows {
		t.Errorf("Expected %d labels, got %d", rows, len(labels))
	}

	// First masked voxel in scan order is (1, 1, 1); x ramp gives intensity 10.
	if got := matrix.At(0, 3); got != 10 {
		t.Errorf("Expected first-row intensity 10, got %g", got)
	}
	if got := matrix.At(0, 0); math.Abs(got-0.2) > 1e-12 {
		t.Errorf("Expected normalized x 0.2, got %g", got)
	}

	// Gradient of a ramp with slope 10 per voxel at unit spacing.
	if got := matrix.At(0, 4); math.Abs(got-10) > 1e-9 {
		t.Errorf("Expected gradient magnitude 10, got %g", got)
	}
}

// TestExtractWithoutTruth verifies that inference subjects yield no labels.
func TestExtractWithoutTruth(t *testing.T) {
	subject := makeTestSubject("s2", 5, false)
	extractor, err := NewExtractor([]string{models.ModalityT1}, true, true, false)
	if err != nil {
		t.Fatalf("creating extractor: %v", err)
	}
	matrix, labels, err := extractor.Extract(subject, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if labels != nil {
		t.Errorf("Expected nil labels without ground truth, got %d", len(labels))
	}
	rows, _ := matrix.Dims()
	if rows != subject.Mask.MaskCount() {
		t.Errorf("Expected %d rows, got %d", subject.Mask.MaskCount(), rows)
	}
}

// TestExtractEmptyMask verifies the zero-row contract.
func TestExtractEmptyMask(t *testing.T) {
	subject := makeTestSubject("s3", 5, true)
	subject.Mask = models.NewVolume(5, 5, 5)
	subject.GroundTruth = models.NewVolume(5, 5, 5)

	extractor, err := NewExtractor([]string{models.ModalityT1}, true, true, false)
	if err != nil {
		t.Fatalf("creating extractor: %v", err)
	}
	matrix, labels, err := extractor.Extract(subject, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	rows, _ := matrix.Dims()
	if rows != 0 {
		t.Errorf("Expected 0 rows for empty mask, got %d", rows)
	}
	if labels != nil {
		t.Errorf("Expected nil labels for empty mask")
	}
}

// TestExtractMissingModality verifies that a subject lacking a configured
// modality is rejected.
func TestExtractMissingModality(t *testing.T) {
	subject := makeTestSubject("s4", 5, true)
	extractor, err := NewExtractor([]string{models.ModalityT1, models.ModalityT2}, false, true, false)
	if err != nil {
		t.Fatalf("creating extractor: %v", err)
	}
	if _, _, err := extractor.Extract(subject, nil); err == nil {
		t.Error("Expected error for missing modality")
	}
}

// TestExtractRoundsNoisyLabels verifies that ground-truth values carrying
// decode noise map to the nearest label instead of truncating downward.
func TestExtractRoundsNoisyLabels(t *testing.T) {
	subject := makeTestSubject("s6", 5, true)
	for i, v := range subject.GroundTruth.Data {
		if v == 0 {
			continue
		}
		subject.GroundTruth.Data[i] = v - 0.0001
	}

	extractor, err := NewExtractor([]string{models.ModalityT1}, false, true, false)
	if err != nil {
		t.Fatalf("creating extractor: %v", err)
	}
	_, labels, err := extractor.Extract(subject, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, label := range labels {
		if label != models.LabelWhiteMatter && label != models.LabelGreyMatter {
			t.Fatalf("Noisy label mapped to %d", label)
		}
	}
}

// TestClassStatsAccumulation verifies the per-class statistics collected
// during extraction.
func TestClassStatsAccumulation(t *testing.T) {
	subject := makeTestSubject("s5", 6, true)
	extractor, err := NewExtractor([]string{models.ModalityT1}, false, true, false)
	if err != nil {
		t.Fatalf("creating extractor: %v", err)
	}

	stats := NewClassStats()
	if _, _, err := extractor.Extract(subject, stats); err != nil {
		t.Fatalf("extract: %v", err)
	}

	summaries := stats.Summaries()
	if len(summaries) != 2 {
		t.Fatalf("Expected 2 summary rows, got %d", len(summaries))
	}
	total := 0
	for _, s := range summaries {
		if s.Modality != models.ModalityT1 {
			t.Errorf("Unexpected modality %s", s.Modality)
		}
		if s.Class != models.LabelWhiteMatter && s.Class != models.LabelGreyMatter {
			t.Errorf("Unexpected class %d", s.Class)
		}
		total += s.Count
	}
	if want := subject.Mask.MaskCount(); total != want {
		t.Errorf("Expected %d accumulated voxels, got %d", want, total)
	}
}

// TestClassStatsMerge verifies that merging partial accumulators equals
// accumulating everything into one.
func TestClassStatsMerge(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}

	whole := NewClassStats()
	for _, v := range values {
		whole.Add(models.ModalityT1, models.LabelGreyMatter, v)
	}

	left := NewClassStats()
	right := NewClassStats()
	for i, v := range values {
		if i < 3 {
			left.Add(models.ModalityT1, models.LabelGreyMatter, v)
		} else {
			right.Add(models.ModalityT1, models.LabelGreyMatter, v)
		}
	}
	merged := NewClassStats()
	merged.Merge(left)
	merged.Merge(right)

	want := whole.Summaries()[0]
	got := merged.Summaries()[0]
	if got.Count != want.Count || math.Abs(got.Mean-want.Mean) > 1e-12 || math.Abs(got.Std-want.Std) > 1e-12 {
		t.Errorf("Merged stats %+v differ from whole stats %+v", got, want)
	}
}

// TestClassStatsReset verifies that Reset discards everything.
func TestClassStatsReset(t *testing.T) {
	stats := NewClassStats()
	stats.Add(models.ModalityT1, models.LabelThalamus, 3.5)
	stats.Reset()
	if got := stats.Summaries(); len(got) != 0 {
		t.Errorf("Expected empty accumulator after reset, got %d rows", len(got))
	}
}
