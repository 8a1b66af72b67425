package features

import (
	"math"
	"sort"
)

// moments is a mergeable running accumulator of count, sum and sum of
// squares. Merging partial accumulators from parallel workers is exact, so
// the batch processor can give each worker its own ClassStats and combine
// them at the join point instead of sharing one under a lock.
type moments struct {
	n     float64
	sum   float64
	sumSq float64
}

func (m *moments) add(v float64) {
	m.n++
	m.sum += v
	m.sumSq += v * v
}

func (m *moments) merge(o *moments) {
	m.n += o.n
	m.sum += o.sum
	m.sumSq += o.sumSq
}

func (m *moments) mean() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / m.n
}

func (m *moments) std() float64 {
	if m.n < 2 {
		return 0
	}
	mean := m.mean()
	v := m.sumSq/m.n - mean*mean
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// ClassStats accumulates per-modality, per-class intensity statistics over
// the masked voxels of processed subjects. It exists for run reporting, not
// for correctness: the pipeline prints the per-class means after a training
// or testing pass and resets the accumulator between passes so train and
// test statistics never mix.
type ClassStats struct {
	stats map[string]map[int]*moments
}

// NewClassStats returns an empty accumulator.
func NewClassStats() *ClassStats {
	return &ClassStats{stats: make(map[string]map[int]*moments)}
}

// Add records one masked voxel intensity for a modality and tissue class.
func (s *ClassStats) Add(modality string, class int, value float64) {
	byClass, ok := s.stats[modality]
	if !ok {
		byClass = make(map[int]*moments)
		s.stats[modality] = byClass
	}
	m, ok := byClass[class]
	if !ok {
		m = &moments{}
		byClass[class] = m
	}
	m.add(value)
}

// Merge folds another accumulator into this one. The other accumulator is
// left unchanged.
func (s *ClassStats) Merge(other *ClassStats) {
	for modality, byClass := range other.stats {
		for class, m := range byClass {
			dst, ok := s.stats[modality]
			if !ok {
				dst = make(map[int]*moments)
				s.stats[modality] = dst
			}
			if existing, ok := dst[class]; ok {
				existing.merge(m)
			} else {
				cp := *m
				dst[class] = &cp
			}
		}
	}
}

// Reset discards all accumulated statistics. Called between the training and
// testing passes.
func (s *ClassStats) Reset() {
	s.stats = make(map[string]map[int]*moments)
}

// Summary is one per-modality, per-class statistics row.
type Summary struct {
	Modality string
	Class    int
	Count    int
	Mean     float64
	Std      float64
}

// Summaries returns the accumulated statistics ordered by modality name and
// class label, suitable for reporting.
func (s *ClassStats) Summaries() []Summary {
	var out []Summary
	for modality, byClass := range s.stats {
		for class, m := range byClass {
			out = append(out, Summary{
				Modality: modality,
				Class:    class,
				Count:    int(m.n),
				Mean:     m.mean(),
				Std:      m.std(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Modality != out[j].Modality {
			return out[i].Modality < out[j].Modality
		}
		return out[i].Class < out[j].Class
	})
	return out
}
