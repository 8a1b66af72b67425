// Package evaluation computes overlap and surface-distance metrics between a
// predicted segmentation and its ground truth, and accumulates the results
// across the subjects of a run. Records are append-only; the record set can
// be written out as a tabular CSV summary at the end of a run.
package evaluation

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/stat"

	"brainseg/internal/models"
)

// Metric names used in records and the summary table.
const (
	MetricDice      = "DICE"
	MetricHausdorff = "HDRFDST"
	MetricASSD      = "ASSD"
)

// Stage tags distinguishing evaluations of the same subject.
const (
	StageRaw           = "raw"
	StagePostProcessed = "postprocessed"
)

// Record is one per-subject, per-class metric result.
type Record struct {
	Subject string
	Stage   string
	Class   int
	Metric  string
	Value   float64
}

// Evaluator computes metrics and owns the append-only record set of a run.
// Evaluate may be called concurrently.
type Evaluator struct {
	classes []int

	mu      sync.RWMutex
	records []Record
}

// New builds an evaluator for the given tissue classes. Background is
// excluded automatically; overlap for "everything" is not a useful score.
func New(classes []int) *Evaluator {
	var filtered []int
	for _, c := range classes {
		if c != models.LabelBackground {
			filtered = append(filtered, c)
		}
	}
	sort.Ints(filtered)
	return &Evaluator{classes: filtered}
}

// Evaluate scores one subject's prediction against ground truth and appends
// the resulting records to the run-wide set. A class absent from both
// volumes is skipped entirely rather than scored as a degenerate 0 or 1; a
// class present in exactly one volume scores Dice 0 with undefined (omitted)
// surface distances.
func (e *Evaluator) Evaluate(pred, truth *models.Volume, subject, stage string) ([]Record, error) {
	if pred == nil || truth == nil {
		return nil, fmt.Errorf("subject %s: prediction and ground truth are both required", subject)
	}
	if !pred.SameGrid(truth) {
		return nil, fmt.Errorf("subject %s: prediction geometry does not match ground truth", subject)
	}

	var records []Record
	for _, class := range e.classes {
		target := float64(class)
		var predCount, truthCount, overlap int
		for i := range pred.Data {
			inPred := pred.Data[i] == target
			inTruth := truth.Data[i] == target
			if inPred {
				predCount++
			}
			if inTruth {
				truthCount++
			}
			if inPred && inTruth {
				overlap++
			}
		}

		// Absent from both: the metric is undefined for this subject and
		// the class is excluded from the subject's aggregate.
		if predCount == 0 && truthCount == 0 {
			continue
		}

		dice := 2 * float64(overlap) / float64(predCount+truthCount)
		records = append(records, Record{Subject: subject, Stage: stage, Class: class, Metric: MetricDice, Value: dice})

		// Surface distances need both surfaces.
		if predCount == 0 || truthCount == 0 {
			continue
		}
		hausdorff, assd := surfaceDistances(classSurface(pred, class), classSurface(truth, class))
		records = append(records,
			Record{Subject: subject, Stage: stage, Class: class, Metric: MetricHausdorff, Value: hausdorff},
			Record{Subject: subject, Stage: stage, Class: class, Metric: MetricASSD, Value: assd},
		)
	}

	e.mu.Lock()
	e.records = append(e.records, records...)
	e.mu.Unlock()

	return records, nil
}

// Records returns a copy of the run-wide record set.
func (e *Evaluator) Records() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Record(nil), e.records...)
}

// WriteSummary writes the record set as CSV (subject, stage, class, metric,
// value), followed by per-stage, per-class, per-metric mean rows under the
// pseudo-subject MEAN. Aggregates cover only the subjects for which the
// metric was defined.
func (e *Evaluator) WriteSummary(w io.Writer) error {
	records := e.Records()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"SUBJECT", "STAGE", "CLASS", "METRIC", "VALUE"}); err != nil {
		return fmt.Errorf("writing summary header: %w", err)
	}

	for _, r := range records {
		if err := cw.Write(summaryRow(r)); err != nil {
			return fmt.Errorf("writing summary row: %w", err)
		}
	}

	// Aggregate rows, grouped by stage, class and metric.
	type groupKey struct {
		Stage  string
		Class  int
		Metric string
	}
	groups := make(map[groupKey][]float64)
	for _, r := range records {
		k := groupKey{Stage: r.Stage, Class: r.Class, Metric: r.Metric}
		groups[k] = append(groups[k], r.Value)
	}
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Stage != keys[j].Stage {
			return keys[i].Stage < keys[j].Stage
		}
		if keys[i].Class != keys[j].Class {
			return keys[i].Class < keys[j].Class
		}
		return keys[i].Metric < keys[j].Metric
	})
	for _, k := range keys {
		mean := stat.Mean(groups[k], nil)
		row := summaryRow(Record{Subject: "MEAN", Stage: k.Stage, Class: k.Class, Metric: k.Metric, Value: mean})
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing summary aggregate: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func summaryRow(r Record) []string {
	return []string{
		r.Subject,
		r.Stage,
		models.LabelName(r.Class),
		r.Metric,
		strconv.FormatFloat(r.Value, 'f', 6, 64),
	}
}
