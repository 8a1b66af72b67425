// Package classifier wraps an off-the-shelf random forest behind the small
// surface the pipeline needs: fit once, predict per subject with class
// probabilities. The wrapper owns the label bookkeeping (the underlying
// library wants dense class indices) so callers work with tissue labels
// throughout.
package classifier

import (
	"fmt"
	"sort"

	randomforest "github.com/malaschitz/randomForest"
	"gonum.org/v1/gonum/mat"
)

// InvalidTrainingDataError reports training inputs the forest cannot be fit
// on: mismatched row counts or fewer than two distinct labels.
type InvalidTrainingDataError struct {
	Reason string
}

func (e *InvalidTrainingDataError) Error() string {
	return fmt.Sprintf("invalid training data: %s", e.Reason)
}

// Hyperparameters configures one training run.
//
// Tree construction is randomized (bootstrap sampling and feature selection)
// and the underlying library builds trees concurrently, so two fits on the
// same data are statistically equivalent but not bit-identical.
type Hyperparameters struct {
	// Trees is the ensemble size
	Trees int

	// MaxDepth caps tree growth. The underlying library limits growth by
	// leaf size rather than depth, so depth d is mapped to a minimum leaf
	// of n/2^d samples; 0 means no depth cap.
	MaxDepth int

	// MinLeafSize is the lower bound on samples per leaf
	MinLeafSize int
}

// Model is a trained forest. It is immutable after Fit and safe for
// concurrent Predict calls: prediction only reads the trees.
type Model struct {
	forest  randomforest.Forest
	classes []int
	numCols int
}

// Fit trains a forest on the feature matrix and label vector. The returned
// model never changes afterwards; refitting means training a new model.
func Fit(x *mat.Dense, y []int, hp Hyperparameters) (*Model, error) {
	rows, cols := x.Dims()
	if rows != len(y) {
		return nil, &InvalidTrainingDataError{
			Reason: fmt.Sprintf("feature matrix has %d rows but label vector has %d entries", rows, len(y)),
		}
	}
	if rows == 0 {
		return nil, &InvalidTrainingDataError{Reason: "no training samples"}
	}
	if hp.Trees < 1 {
		return nil, &InvalidTrainingDataError{Reason: fmt.Sprintf("tree count must be >= 1, got %d", hp.Trees)}
	}

	classes := distinctLabels(y)
	if len(classes) < 2 {
		return nil, &InvalidTrainingDataError{
			Reason: fmt.Sprintf("need at least two distinct labels, got %d", len(classes)),
		}
	}

	// The library expects class indices 0..k-1.
	classIdx := make(map[int]int, len(classes))
	for i, c := range classes {
		classIdx[c] = i
	}
	dense := make([]int, len(y))
	for i, label := range y {
		dense[i] = classIdx[label]
	}

	xData := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		row := make([]float64, cols)
		mat.Row(row, i, x)
		xData[i] = row
	}

	m := &Model{classes: classes, numCols: cols}
	m.forest.Data = randomforest.ForestData{X: xData, Class: dense}
	m.forest.LeafSize = leafSize(rows, hp)
	m.forest.Train(hp.Trees)

	return m, nil
}

// leafSize maps the depth cap onto the library's leaf-size growth limit.
func leafSize(rows int, hp Hyperparameters) int {
	leaf := hp.MinLeafSize
	if leaf < 1 {
		leaf = 1
	}
	if hp.MaxDepth > 0 && hp.MaxDepth < 63 {
		if byDepth := rows >> uint(hp.MaxDepth); byDepth > leaf {
			leaf = byDepth
		}
	}
	return leaf
}

// Classes returns the distinct training labels in the column order of the
// probability matrix returned by Predict.
func (m *Model) Classes() []int {
	return append([]int(nil), m.classes...)
}

// NumFeatures returns the feature column count the model was trained on.
func (m *Model) NumFeatures() int { return m.numCols }

// Predict classifies every row of the feature matrix. It returns the argmax
// label per row and the per-class probability matrix; each probability row
// sums to 1 within floating tolerance. A zero-row matrix yields empty
// results.
func (m *Model) Predict(x *mat.Dense) ([]int, *mat.Dense, error) {
	rows, cols := x.Dims()
	if rows == 0 {
		return nil, &mat.Dense{}, nil
	}
	if cols != m.numCols {
		return nil, nil, fmt.Errorf("feature matrix has %d columns, model was trained on %d", cols, m.numCols)
	}

	labels := make([]int, rows)
	probs := mat.NewDense(rows, len(m.classes), nil)
	row := make([]float64, cols)

	for i := 0; i < rows; i++ {
		mat.Row(row, i, x)
		votes := m.forest.Vote(row)

		best := 0
		total := 0.0
		for j, v := range votes {
			total += v
			if v > votes[best] {
				best = j
			}
		}
		labels[i] = m.classes[best]

		// Normalize the vote shares so each row is a proper distribution
		// even if the library returns raw counts.
		for j, v := range votes {
			if total > 0 {
				probs.Set(i, j, v/total)
			} else {
				probs.Set(i, j, 1/float64(len(votes)))
			}
		}
	}

	return labels, probs, nil
}

// distinctLabels returns the sorted set of labels present in y.
func distinctLabels(y []int) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, label := range y {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	sort.Ints(out)
	return out
}
