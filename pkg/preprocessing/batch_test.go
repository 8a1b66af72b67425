package preprocessing

import (
	"errors"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"brainseg/internal/models"
	"brainseg/pkg/config"
	"brainseg/pkg/features"
	"brainseg/pkg/normalization"
)

// makeBatchSubject builds a small subject with varied intensities and a
// two-class ground truth.
func makeBatchSubject(id string, seed int64) *models.Subject {
	const size = 8
	img := models.NewVolume(size, size, size)
	mask := models.NewVolume(size, size, size)
	truth := models.NewVolume(size, size, size)

	rng := rand.New(rand.NewSource(seed))
	for z := 1; z < size-1; z++ {
		for y := 1; y < size-1; y++ {
			for x := 1; x < size-1; x++ {
				mask.Set(x, y, z, 1)
				if x < size/2 {
					img.Set(x, y, z, 100+rng.Float64()*10)
					truth.Set(x, y, z, models.LabelGreyMatter)
				} else {
					img.Set(x, y, z, 300+rng.Float64()*10)
					truth.Set(x, y, z, models.LabelWhiteMatter)
				}
			}
		}
	}

	return &models.Subject{
		ID:          id,
		Images:      map[string]*models.Volume{models.ModalityT1: img},
		Mask:        mask,
		GroundTruth: truth,
	}
}

func testOptions(t *testing.T, parallel bool) Options {
	t.Helper()
	method, err := normalization.New(config.NormZScore, normalization.Options{})
	if err != nil {
		t.Fatalf("creating normalizer: %v", err)
	}
	return Options{
		Modalities:  []string{models.ModalityT1},
		Normalizers: map[string]normalization.Method{models.ModalityT1: method},
		Artifact:    config.ArtifactNone,
		Seed:        42,
		Parallel:    parallel,
		NumWorkers:  4,
	}
}

// TestProcessSerial verifies the basic batch contract: one output per
// subject, features and labels aligned.
func TestProcessSerial(t *testing.T) {
	subjects := []*models.Subject{
		makeBatchSubject("a", 1),
		makeBatchSubject("b", 2),
	}
	processor, err := NewProcessor(testOptions(t, false), true, true, true)
	if err != nil {
		t.Fatalf("creating processor: %v", err)
	}

	stats := features.NewClassStats()
	processed, failures, err := processor.Process(subjects, stats)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("Expected no failures, got %d", len(failures))
	}
	if len(processed) != 2 {
		t.Fatalf("Expected 2 processed subjects, got %d", len(processed))
	}

	for i, ps := range processed {
		if ps.Subject.ID != subjects[i].ID {
			t.Errorf("Subject order not preserved: expected %s at %d, got %s",
				subjects[i].ID, i, ps.Subject.ID)
		}
		rows, _ := ps.Features.Dims()
		if rows != ps.Subject.Mask.MaskCount() {
			t.Errorf("Subject %s: %d rows for %d masked voxels",
				ps.Subject.ID, rows, ps.Subject.Mask.MaskCount())
		}
		if len(ps.Labels) != rows {
			t.Errorf("Subject %s: %d labels for %d rows", ps.Subject.ID, len(ps.Labels), rows)
		}
	}

	if len(stats.Summaries()) == 0 {
		t.Error("Expected accumulated class statistics")
	}
}

// TestProcessParallelMatchesSerial verifies that the parallel path produces
// byte-identical features, labels and statistics in the same subject order.
func TestProcessParallelMatchesSerial(t *testing.T) {
	build := func() []*models.Subject {
		return []*models.Subject{
			makeBatchSubject("a", 1),
			makeBatchSubject("b", 2),
			makeBatchSubject("c", 3),
			makeBatchSubject("d", 4),
			makeBatchSubject("e", 5),
		}
	}

	serialOpts := testOptions(t, false)
	serialOpts.Artifact = config.ArtifactGaussianNoise
	serialOpts.NoiseSigma = 0.05
	parallelOpts := testOptions(t, true)
	parallelOpts.Artifact = config.ArtifactGaussianNoise
	parallelOpts.NoiseSigma = 0.05

	serial, err := NewProcessor(serialOpts, true, true, true)
	if err != nil {
		t.Fatalf("creating serial processor: %v", err)
	}
	parallel, err := NewProcessor(parallelOpts, true, true, true)
	if err != nil {
		t.Fatalf("creating parallel processor: %v", err)
	}

	serialStats := features.NewClassStats()
	serialOut, _, err := serial.Process(build(), serialStats)
	if err != nil {
		t.Fatalf("serial process: %v", err)
	}
	parallelStats := features.NewClassStats()
	parallelOut, _, err := parallel.Process(build(), parallelStats)
	if err != nil {
		t.Fatalf("parallel process: %v", err)
	}

	if len(serialOut) != len(parallelOut) {
		t.Fatalf("Output lengths differ: %d vs %d", len(serialOut), len(parallelOut))
	}
	for i := range serialOut {
		if serialOut[i].Subject.ID != parallelOut[i].Subject.ID {
			t.Errorf("Subject order differs at %d: %s vs %s",
				i, serialOut[i].Subject.ID, parallelOut[i].Subject.ID)
		}
		if !mat.Equal(serialOut[i].Features, parallelOut[i].Features) {
			t.Errorf("Subject %s: feature matrices differ between serial and parallel",
				serialOut[i].Subject.ID)
		}
	}

	serialRows := serialStats.Summaries()
	parallelRows := parallelStats.Summaries()
	if len(serialRows) != len(parallelRows) {
		t.Fatalf("Statistics row counts differ: %d vs %d", len(serialRows), len(parallelRows))
	}
	for i := range serialRows {
		if serialRows[i] != parallelRows[i] {
			t.Errorf("Statistics row %d differs: %+v vs %+v", i, serialRows[i], parallelRows[i])
		}
	}
}

// TestProcessIsolatesFailures verifies that one broken subject does not take
// down the batch.
func TestProcessIsolatesFailures(t *testing.T) {
	broken := makeBatchSubject("broken", 7)
	delete(broken.Images, models.ModalityT1)
	subjects := []*models.Subject{
		makeBatchSubject("ok1", 1),
		broken,
		makeBatchSubject("ok2", 2),
	}

	processor, err := NewProcessor(testOptions(t, false), true, true, false)
	if err != nil {
		t.Fatalf("creating processor: %v", err)
	}
	processed, failures, err := processor.Process(subjects, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(processed) != 2 {
		t.Errorf("Expected 2 surviving subjects, got %d", len(processed))
	}
	if len(failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(failures))
	}
	if failures[0].Subject != "broken" {
		t.Errorf("Expected failure for subject broken, got %s", failures[0].Subject)
	}
	var missing *models.MissingModalityError
	if !errors.As(failures[0], &missing) {
		t.Errorf("Expected MissingModalityError, got %v", failures[0].Err)
	}
	if processed[0].Subject.ID != "ok1" || processed[1].Subject.ID != "ok2" {
		t.Error("Surviving subjects not in input order")
	}
}

// TestProcessRequiresNormalizers verifies the constructor contract.
func TestProcessRequiresNormalizers(t *testing.T) {
	opts := testOptions(t, false)
	opts.Normalizers = nil
	if _, err := NewProcessor(opts, true, true, true); err == nil {
		t.Error("Expected error when a modality has no normalizer")
	}
}

// TestArtifactDeterminism verifies that degrading the same subject twice
// yields identical volumes.
func TestArtifactDeterminism(t *testing.T) {
	opts := testOptions(t, false)
	opts.Artifact = config.ArtifactZeroFrequencies
	opts.ZeroFrequencyFraction = 0.2

	processor, err := NewProcessor(opts, false, true, false)
	if err != nil {
		t.Fatalf("creating processor: %v", err)
	}

	first, _, err := processor.Process([]*models.Subject{makeBatchSubject("a", 1)}, nil)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	second, _, err := processor.Process([]*models.Subject{makeBatchSubject("a", 1)}, nil)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}

	if !mat.Equal(first[0].Features, second[0].Features) {
		t.Error("Expected identical features on repeated runs with the same seed")
	}
}

// TestProcessDoesNotMutateInput verifies that input subjects keep their raw
// volumes.
func TestProcessDoesNotMutateInput(t *testing.T) {
	subject := makeBatchSubject("a", 1)
	raw := subject.Images[models.ModalityT1].Clone()

	processor, err := NewProcessor(testOptions(t, false), true, true, true)
	if err != nil {
		t.Fatalf("creating processor: %v", err)
	}
	if _, _, err := processor.Process([]*models.Subject{subject}, nil); err != nil {
		t.Fatalf("process: %v", err)
	}

	for i, v := range subject.Images[models.ModalityT1].Data {
		if v != raw.Data[i] {
			t.Fatal("Input volume was modified during processing")
		}
	}
}
