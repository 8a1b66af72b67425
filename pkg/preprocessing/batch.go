// Package preprocessing applies artifact injection, intensity normalization
// and feature extraction across a collection of subjects, optionally in
// parallel. Subjects are processed independently; the only shared state is
// the per-class statistics accumulator, which is built per worker and merged
// once all workers have finished.
package preprocessing

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"brainseg/internal/models"
	"brainseg/pkg/config"
	"brainseg/pkg/features"
	"brainseg/pkg/normalization"
)

// ProcessedSubject is the per-subject output of the batch processor: the
// subject with normalized volumes swapped in, plus its feature matrix and
// label vector.
type ProcessedSubject struct {
	Subject  *models.Subject
	Features *mat.Dense
	Labels   []int
}

// Options configures one batch pass.
type Options struct {
	// Modalities that every subject must provide
	Modalities []string

	// Normalizers maps each required modality to its normalization method.
	// Histogram matching needs a per-modality reference, so every modality
	// carries its own method instance; the other methods share one.
	Normalizers map[string]normalization.Method

	// Artifact selects the degradation simulation (config.Artifact* name)
	Artifact string

	// NoiseSigma parametrizes the gaussian-noise artifact
	NoiseSigma float64

	// ZeroFrequencyFraction parametrizes the zero-frequencies artifact
	ZeroFrequencyFraction float64

	// Seed makes artifact injection reproducible per subject
	Seed int64

	// Parallel fans subjects out to NumWorkers goroutines
	Parallel   bool
	NumWorkers int
}

// OptionsFromConfig derives batch options from the run configuration.
func OptionsFromConfig(cfg *config.Config, normalizers map[string]normalization.Method) Options {
	return Options{
		Modalities:            cfg.Data.Modalities,
		Normalizers:           normalizers,
		Artifact:              cfg.Preprocessing.Artifact,
		NoiseSigma:            cfg.Preprocessing.NoiseSigma,
		ZeroFrequencyFraction: cfg.Preprocessing.ZeroFrequencyFraction,
		Seed:                  cfg.Preprocessing.Seed,
		Parallel:              cfg.Preprocessing.Parallel,
		NumWorkers:            cfg.Preprocessing.NumWorkers,
	}
}

// Processor runs the per-subject preprocessing chain over subject batches.
type Processor struct {
	extractor *features.Extractor
	opts      Options
}

// NewProcessor builds a batch processor from options and the feature toggles.
func NewProcessor(opts Options, coords, intensity, gradient bool) (*Processor, error) {
	for _, m := range opts.Modalities {
		if opts.Normalizers[m] == nil {
			return nil, fmt.Errorf("no normalization method for modality %s", m)
		}
	}
	extractor, err := features.NewExtractor(opts.Modalities, coords, intensity, gradient)
	if err != nil {
		return nil, err
	}
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	return &Processor{extractor: extractor, opts: opts}, nil
}

// Extractor exposes the feature extractor, e.g. for column reporting.
func (p *Processor) Extractor() *features.Extractor { return p.extractor }

// Process runs the preprocessing chain over all subjects. The returned slice
// has one entry per successfully processed subject, in input order; failed
// subjects are reported in the SubjectError slice and leave no entry.
//
// When stats is non-nil, per-class intensity statistics of all succeeded
// subjects are merged into it. Each worker accumulates into its own partial
// accumulator; partials are merged in input order at the join point, so the
// parallel and serial paths produce identical statistics.
func (p *Processor) Process(subjects []*models.Subject, stats *features.ClassStats) ([]*ProcessedSubject, []*models.SubjectError, error) {
	n := len(subjects)
	results := make([]*ProcessedSubject, n)
	partials := make([]*features.ClassStats, n)
	errs := make([]*models.SubjectError, n)

	if p.opts.Parallel && n > 1 {
		type job struct{ idx int }
		jobs := make(chan job)
		done := make(chan int)

		workers := p.opts.NumWorkers
		if workers > n {
			workers = n
		}
		for w := 0; w < workers; w++ {
			go func() {
				for j := range jobs {
					p.runOne(subjects[j.idx], j.idx, results, partials, errs)
					done <- j.idx
				}
			}()
		}
		go func() {
			for i := 0; i < n; i++ {
				jobs <- job{idx: i}
			}
			close(jobs)
		}()
		for i := 0; i < n; i++ {
			<-done
		}
	} else {
		for i := range subjects {
			p.runOne(subjects[i], i, results, partials, errs)
		}
	}

	// Merge in input order and compact the outputs, preserving subject order.
	var processed []*ProcessedSubject
	var failures []*models.SubjectError
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			continue
		}
		processed = append(processed, results[i])
		if stats != nil && partials[i] != nil {
			stats.Merge(partials[i])
		}
	}
	return processed, failures, nil
}

// runOne processes a single subject into the result slots for its index.
func (p *Processor) runOne(subject *models.Subject, idx int, results []*ProcessedSubject, partials []*features.ClassStats, errs []*models.SubjectError) {
	ps, st, err := p.processSubject(subject, idx)
	if err != nil {
		errs[idx] = &models.SubjectError{Subject: subject.ID, Err: err}
		return
	}
	results[idx] = ps
	partials[idx] = st
}

// processSubject runs artifact injection, normalization and feature
// extraction for one subject. The input subject is not modified; processed
// volumes live on a shallow copy.
func (p *Processor) processSubject(subject *models.Subject, idx int) (*ProcessedSubject, *features.ClassStats, error) {
	if subject.Mask == nil {
		return nil, nil, &models.MissingModalityError{Subject: subject.ID, Modality: "Mask"}
	}
	for _, m := range p.opts.Modalities {
		if _, ok := subject.Images[m]; !ok {
			return nil, nil, &models.MissingModalityError{Subject: subject.ID, Modality: m}
		}
	}
	if err := subject.Validate(); err != nil {
		return nil, nil, err
	}

	out := &models.Subject{
		ID:          subject.ID,
		Images:      make(map[string]*models.Volume, len(subject.Images)),
		Mask:        subject.Mask,
		GroundTruth: subject.GroundTruth,
	}

	rng := rand.New(rand.NewSource(p.opts.Seed + subjectSalt(subject.ID) + int64(idx)))
	for _, m := range p.opts.Modalities {
		vol := subject.Images[m]

		switch p.opts.Artifact {
		case config.ArtifactGaussianNoise:
			vol = injectGaussianNoise(vol, subject.Mask, p.opts.NoiseSigma, rng)
		case config.ArtifactZeroFrequencies:
			vol = injectZeroFrequencies(vol, p.opts.ZeroFrequencyFraction, rng)
		}

		normalized, err := p.opts.Normalizers[m].Normalize(vol, subject.Mask)
		if err != nil {
			return nil, nil, fmt.Errorf("normalizing %s: %w", m, err)
		}
		out.Images[m] = normalized
	}

	stats := features.NewClassStats()
	matrix, labels, err := p.extractor.Extract(out, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("extracting features: %w", err)
	}

	return &ProcessedSubject{Subject: out, Features: matrix, Labels: labels}, stats, nil
}

// subjectSalt derives a stable per-subject offset for the artifact RNG so
// reruns and parallel runs degrade a given subject identically.
func subjectSalt(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64() & 0x7fffffffffff)
}
