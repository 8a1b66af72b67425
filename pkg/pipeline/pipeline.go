// Package pipeline wires the segmentation stages into the end-to-end run:
// crawl subjects, preprocess, train the forest, predict the test subjects,
// post-process and evaluate, then persist predictions and metrics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"brainseg/internal/models"
	"brainseg/internal/results"
	"brainseg/pkg/classifier"
	"brainseg/pkg/config"
	"brainseg/pkg/dataset"
	"brainseg/pkg/evaluation"
	"brainseg/pkg/features"
	"brainseg/pkg/normalization"
	"brainseg/pkg/postprocessing"
	"brainseg/pkg/preprocessing"
	"brainseg/pkg/volumeio"
)

// TrainingSet is the aggregated training data across subjects. SubjectOf
// carries the originating subject per row, so row/label alignment does not
// depend on concatenation order.
type TrainingSet struct {
	Features  *mat.Dense
	Labels    []int
	SubjectOf []string
}

// RunResult summarizes one pipeline run.
type RunResult struct {
	// RunID is the timestamp identifier of the run
	RunID string

	// ResultDir is the directory the run wrote its outputs to
	ResultDir string

	// Records is the full evaluation record set of the run
	Records []evaluation.Record

	// TrainFailures and TestFailures list the subjects that could not be
	// processed, with the originating errors
	TrainFailures []*models.SubjectError
	TestFailures  []*models.SubjectError
}

// Pipeline executes segmentation runs for one configuration.
type Pipeline struct {
	cfg *config.Config
	log *slog.Logger
}

// New creates a pipeline from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, log: logger}
}

// Run executes the full train/test pipeline. Per-subject preprocessing and
// evaluation failures are isolated and reported in the result; training
// failures abort the run because every downstream prediction depends on the
// model.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	runID := time.Now().Format("2006-01-02-15-04-05")
	resultDir := filepath.Join(p.cfg.Output.ResultDir, runID)
	if err := os.MkdirAll(resultDir, 0755); err != nil {
		return nil, fmt.Errorf("creating result directory: %w", err)
	}
	result := &RunResult{RunID: runID, ResultDir: resultDir}

	normalizers, err := p.buildNormalizers()
	if err != nil {
		return nil, err
	}

	processor, err := preprocessing.NewProcessor(
		preprocessing.OptionsFromConfig(p.cfg, normalizers),
		p.cfg.Preprocessing.CoordinatesFeature,
		p.cfg.Preprocessing.IntensityFeature,
		p.cfg.Preprocessing.GradientIntensityFeature,
	)
	if err != nil {
		return nil, err
	}

	// Step 1: training pass. The statistics accumulator is reset at the
	// start and consumed once after the pass, so training statistics never
	// leak into the testing report.
	stats := features.NewClassStats()

	p.log.Info("loading training subjects", "dir", p.cfg.Data.TrainDir)
	trainSubjects, err := dataset.Crawl(p.cfg.Data.TrainDir, p.cfg.Data.Modalities)
	if err != nil {
		return nil, fmt.Errorf("crawling training data: %w", err)
	}

	start := time.Now()
	trainProcessed, trainFailures, err := processor.Process(trainSubjects, stats)
	if err != nil {
		return nil, fmt.Errorf("preprocessing training batch: %w", err)
	}
	result.TrainFailures = trainFailures
	p.reportFailures("training preprocessing", trainFailures)
	if len(trainProcessed) == 0 {
		return nil, fmt.Errorf("no training subject survived preprocessing")
	}
	p.log.Info("training preprocessing done",
		"subjects", len(trainProcessed), "failed", len(trainFailures),
		"elapsed", time.Since(start))
	p.reportStats("training", stats)
	stats.Reset()

	training, err := assembleTrainingSet(trainProcessed)
	if err != nil {
		return nil, err
	}

	// Step 2: fit the forest. One blocking call; tree building is the
	// library's concern.
	p.log.Info("training forest",
		"rows", len(training.Labels),
		"trees", p.cfg.Forest.Trees, "maxDepth", p.cfg.Forest.MaxDepth)
	start = time.Now()
	model, err := classifier.Fit(training.Features, training.Labels, classifier.Hyperparameters{
		Trees:       p.cfg.Forest.Trees,
		MaxDepth:    p.cfg.Forest.MaxDepth,
		MinLeafSize: p.cfg.Forest.MinLeafSize,
	})
	if err != nil {
		return nil, fmt.Errorf("training classifier: %w", err)
	}
	p.log.Info("forest trained", "elapsed", time.Since(start))

	// Step 3: testing pass.
	p.log.Info("loading testing subjects", "dir", p.cfg.Data.TestDir)
	testSubjects, err := dataset.Crawl(p.cfg.Data.TestDir, p.cfg.Data.Modalities)
	if err != nil {
		return nil, fmt.Errorf("crawling testing data: %w", err)
	}
	testProcessed, testFailures, err := processor.Process(testSubjects, stats)
	if err != nil {
		return nil, fmt.Errorf("preprocessing testing batch: %w", err)
	}
	result.TestFailures = testFailures
	p.reportFailures("testing preprocessing", testFailures)
	p.reportStats("testing", stats)

	evaluator := evaluation.New(model.Classes())

	// Step 4: predict and evaluate, subject by subject. The model is
	// read-only from here on.
	var predictions []*models.Prediction
	var predicted []*preprocessing.ProcessedSubject
	for _, ps := range testProcessed {
		p.log.Info("predicting", "subject", ps.Subject.ID)
		start = time.Now()
		pred, err := predictSubject(model, ps)
		if err != nil {
			failure := &models.SubjectError{Subject: ps.Subject.ID, Err: err}
			result.TestFailures = append(result.TestFailures, failure)
			p.log.Warn("prediction failed", "subject", ps.Subject.ID, "error", err)
			continue
		}
		p.log.Info("prediction done", "subject", ps.Subject.ID, "elapsed", time.Since(start))
		predictions = append(predictions, pred)
		predicted = append(predicted, ps)

		if ps.Subject.GroundTruth != nil {
			if _, err := evaluator.Evaluate(pred.Labels, ps.Subject.GroundTruth, ps.Subject.ID, evaluation.StageRaw); err != nil {
				p.log.Warn("evaluation failed", "subject", ps.Subject.ID, "error", err)
			}
		}
	}

	// Step 5: post-process and re-evaluate.
	if p.cfg.PostProcessing.Enabled && len(predictions) > 0 {
		post := postprocessing.NewProcessor(postprocessing.Options{
			KeepLargestComponent: p.cfg.PostProcessing.KeepLargestComponent,
			FillHoles:            p.cfg.PostProcessing.FillHoles,
			ProbabilityFloor:     p.cfg.PostProcessing.ProbabilityFloor,
			Parallel:             p.cfg.PostProcessing.Parallel,
		})
		subjects := make([]*models.Subject, len(predicted))
		for i, ps := range predicted {
			subjects[i] = ps.Subject
		}
		cleaned, postFailures, err := post.ApplyBatch(subjects, predictions)
		if err != nil {
			return nil, fmt.Errorf("post-processing batch: %w", err)
		}
		result.TestFailures = append(result.TestFailures, postFailures...)
		p.reportFailures("post-processing", postFailures)

		for i, ps := range predicted {
			if cleaned[i] == nil {
				continue
			}
			if ps.Subject.GroundTruth != nil {
				if _, err := evaluator.Evaluate(cleaned[i].Labels, ps.Subject.GroundTruth, ps.Subject.ID, evaluation.StagePostProcessed); err != nil {
					p.log.Warn("evaluation failed", "subject", ps.Subject.ID, "error", err)
				}
			}
			if p.cfg.Output.SavePredictions {
				p.savePrediction(resultDir, ps.Subject.ID+"_SEG-PP.dcm", cleaned[i].Labels)
			}
		}
	}

	if p.cfg.Output.SavePredictions {
		for i, ps := range predicted {
			p.savePrediction(resultDir, ps.Subject.ID+"_SEG.dcm", predictions[i].Labels)
		}
	}

	// Step 6: write the summary and persist records.
	result.Records = evaluator.Records()
	summaryPath := filepath.Join(resultDir, "results.csv")
	f, err := os.Create(summaryPath)
	if err != nil {
		return nil, fmt.Errorf("creating summary file: %w", err)
	}
	if err := evaluator.WriteSummary(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing summary: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing summary file: %w", err)
	}
	p.log.Info("summary written", "path", summaryPath, "records", len(result.Records))

	if p.cfg.Output.ResultsDB != "" {
		if err := p.persistRecords(ctx, runID, result.Records); err != nil {
			// Persistence is reporting, not pipeline correctness.
			p.log.Warn("persisting records failed", "error", err)
		}
	}

	return result, nil
}

// buildNormalizers constructs one normalization method per modality. The
// methods share configuration; histogram matching additionally binds each
// modality to its atlas reference histogram.
func (p *Pipeline) buildNormalizers() (map[string]normalization.Method, error) {
	name := p.cfg.Preprocessing.Normalization
	opts := normalization.Options{MaskedOnly: p.cfg.Preprocessing.MaskedOnly}

	normalizers := make(map[string]normalization.Method, len(p.cfg.Data.Modalities))
	if name == config.NormHistogramMatching {
		atlas, err := dataset.LoadAtlas(p.cfg.Data.AtlasDir, p.cfg.Data.Modalities)
		if err != nil {
			return nil, fmt.Errorf("loading atlas: %w", err)
		}
		for _, m := range p.cfg.Data.Modalities {
			modalityOpts := opts
			modalityOpts.Reference = atlas.References[m]
			method, err := normalization.New(name, modalityOpts)
			if err != nil {
				return nil, err
			}
			normalizers[m] = method
		}
		return normalizers, nil
	}

	method, err := normalization.New(name, opts)
	if err != nil {
		return nil, err
	}
	for _, m := range p.cfg.Data.Modalities {
		normalizers[m] = method
	}
	return normalizers, nil
}

// assembleTrainingSet concatenates per-subject feature matrices and labels,
// tagging every row with its subject.
func assembleTrainingSet(processed []*preprocessing.ProcessedSubject) (*TrainingSet, error) {
	totalRows := 0
	cols := 0
	for _, ps := range processed {
		r, c := ps.Features.Dims()
		if r == 0 {
			continue
		}
		if len(ps.Labels) != r {
			return nil, fmt.Errorf("subject %s: %d feature rows but %d labels", ps.Subject.ID, r, len(ps.Labels))
		}
		totalRows += r
		cols = c
	}
	if totalRows == 0 {
		return nil, fmt.Errorf("no labeled training voxels available")
	}

	x := mat.NewDense(totalRows, cols, nil)
	labels := make([]int, 0, totalRows)
	subjectOf := make([]string, 0, totalRows)

	row := 0
	buf := make([]float64, cols)
	for _, ps := range processed {
		r, _ := ps.Features.Dims()
		for i := 0; i < r; i++ {
			mat.Row(buf, i, ps.Features)
			x.SetRow(row, buf)
			row++
		}
		labels = append(labels, ps.Labels...)
		for i := 0; i < r; i++ {
			subjectOf = append(subjectOf, ps.Subject.ID)
		}
	}

	return &TrainingSet{Features: x, Labels: labels, SubjectOf: subjectOf}, nil
}

// predictSubject classifies one subject's voxels and rebuilds the label and
// probability volumes in the subject's geometry.
func predictSubject(model *classifier.Model, ps *preprocessing.ProcessedSubject) (*models.Prediction, error) {
	labels, probs, err := model.Predict(ps.Features)
	if err != nil {
		return nil, err
	}

	mask := ps.Subject.Mask
	if want := mask.MaskCount(); len(labels) != want {
		return nil, fmt.Errorf("subject %s: predicted %d voxels but mask has %d", ps.Subject.ID, len(labels), want)
	}

	classes := model.Classes()
	pred := &models.Prediction{
		Labels:  models.NewVolumeLike(mask),
		Classes: classes,
	}
	for range classes {
		pred.Probabilities = append(pred.Probabilities, models.NewVolumeLike(mask))
	}

	row := 0
	for z := 0; z < mask.Depth; z++ {
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				idx := mask.Idx(x, y, z)
				if mask.Data[idx] == 0 {
					continue
				}
				pred.Labels.Data[idx] = float64(labels[row])
				for c := range classes {
					pred.Probabilities[c].Data[idx] = probs.At(row, c)
				}
				row++
			}
		}
	}

	return pred, nil
}

// savePrediction writes a label volume, logging failures instead of aborting
// the run: a missing output file loses one artifact, not the metrics.
func (p *Pipeline) savePrediction(dir, name string, vol *models.Volume) {
	path := filepath.Join(dir, name)
	if err := volumeio.Write(vol, path); err != nil {
		p.log.Warn("saving prediction failed", "path", path, "error", err)
		return
	}
	p.log.Debug("prediction saved", "path", path)
}

// persistRecords appends the run's records to the configured SQLite store.
func (p *Pipeline) persistRecords(ctx context.Context, runID string, records []evaluation.Record) error {
	store, err := results.Open(p.cfg.Output.ResultsDB)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.AppendRecords(ctx, runID, records)
}

// reportFailures logs each failed subject with its originating error.
func (p *Pipeline) reportFailures(stage string, failures []*models.SubjectError) {
	for _, f := range failures {
		p.log.Warn("subject failed", "stage", stage, "subject", f.Subject, "error", f.Err)
	}
}

// reportStats logs the per-class intensity statistics of a pass.
func (p *Pipeline) reportStats(pass string, stats *features.ClassStats) {
	for _, s := range stats.Summaries() {
		p.log.Info("class intensity statistics",
			"pass", pass,
			"modality", s.Modality,
			"class", models.LabelName(s.Class),
			"mean", s.Mean,
			"std", s.Std,
			"voxels", s.Count)
	}
}
