// Package postprocessing cleans raw per-voxel predictions into anatomically
// plausible segmentations. Each tissue class is reduced to its single
// strongest connected component, scored by the class probability volumes,
// and enclosed background cavities are filled with the surrounding class.
// The cleanup is idempotent: once a segmentation has one component per class
// and no holes, reapplying it changes nothing.
package postprocessing

import (
	"fmt"

	"brainseg/internal/models"
)

// Options configures the cleanup steps.
type Options struct {
	// KeepLargestComponent retains only the strongest connected component
	// per tissue class
	KeepLargestComponent bool

	// FillHoles fills enclosed background cavities with the surrounding
	// majority class
	FillHoles bool

	// ProbabilityFloor removes components whose mean class probability is
	// below this value, even the strongest one; 0 disables the floor
	ProbabilityFloor float64

	// Parallel post-processes subjects concurrently in ApplyBatch
	Parallel bool
}

// Processor applies segmentation cleanup to predictions.
type Processor struct {
	opts Options
}

// NewProcessor builds a post-processor with the given options.
func NewProcessor(opts Options) *Processor {
	return &Processor{opts: opts}
}

// Apply cleans one subject's prediction. The input prediction is not
// modified; the returned prediction shares the subject's geometry.
func (p *Processor) Apply(subject *models.Subject, pred *models.Prediction) (*models.Prediction, error) {
	if pred == nil || pred.Labels == nil {
		return nil, fmt.Errorf("subject %s: no prediction to post-process", subject.ID)
	}
	if subject.Mask != nil && !pred.Labels.SameGrid(subject.Mask) {
		return nil, fmt.Errorf("subject %s: prediction geometry does not match subject", subject.ID)
	}

	out := pred.Clone()

	if p.opts.KeepLargestComponent {
		for i, class := range out.Classes {
			if class == models.LabelBackground {
				continue
			}
			keepStrongestComponent(out.Labels, class, out.Probabilities[i], p.opts.ProbabilityFloor)
		}
	}

	if p.opts.FillHoles {
		fillEnclosedBackground(out.Labels)
	}

	return out, nil
}

// ApplyBatch cleans a batch of predictions, one per subject, preserving the
// input order. Per-subject failures are collected, not fatal; the entry for
// a failed subject is nil.
func (p *Processor) ApplyBatch(subjects []*models.Subject, preds []*models.Prediction) ([]*models.Prediction, []*models.SubjectError, error) {
	if len(subjects) != len(preds) {
		return nil, nil, fmt.Errorf("have %d subjects but %d predictions", len(subjects), len(preds))
	}

	n := len(subjects)
	out := make([]*models.Prediction, n)
	errs := make([]*models.SubjectError, n)

	run := func(i int) {
		cleaned, err := p.Apply(subjects[i], preds[i])
		if err != nil {
			errs[i] = &models.SubjectError{Subject: subjects[i].ID, Err: err}
			return
		}
		out[i] = cleaned
	}

	if p.opts.Parallel && n > 1 {
		done := make(chan struct{})
		for i := 0; i < n; i++ {
			go func(i int) {
				run(i)
				done <- struct{}{}
			}(i)
		}
		for i := 0; i < n; i++ {
			<-done
		}
	} else {
		for i := 0; i < n; i++ {
			run(i)
		}
	}

	var failures []*models.SubjectError
	for _, e := range errs {
		if e != nil {
			failures = append(failures, e)
		}
	}
	return out, failures, nil
}

// keepStrongestComponent reduces one class to its single best connected
// component. Components are scored by their summed class probability (falling
// back to voxel count when no probability volume is available), so a large
// low-confidence blob can lose against a smaller confident one. Discarded
// voxels become background. Components with a mean probability below floor
// are discarded outright.
func keepStrongestComponent(labels *models.Volume, class int, prob *models.Volume, floor float64) {
	visited := make([]bool, len(labels.Data))
	bestScore := -1.0
	var bestComponent []int

	for start := range labels.Data {
		if visited[start] || labels.Data[start] != float64(class) {
			continue
		}
		component := floodFill(labels, start, float64(class), visited)

		score := 0.0
		for _, idx := range component {
			if prob != nil {
				score += prob.Data[idx]
			} else {
				score++
			}
		}
		if floor > 0 && score/float64(len(component)) < floor && prob != nil {
			clearVoxels(labels, component)
			continue
		}
		if score > bestScore {
			if bestComponent != nil {
				clearVoxels(labels, bestComponent)
			}
			bestScore = score
			bestComponent = component
		} else {
			clearVoxels(labels, component)
		}
	}
}

// fillEnclosedBackground assigns enclosed background cavities to the class
// that surrounds them. A background component is a cavity when it does not
// touch the volume border. Ties between surrounding classes go to the
// smallest label so the result is deterministic.
func fillEnclosedBackground(labels *models.Volume) {
	visited := make([]bool, len(labels.Data))

	for start := range labels.Data {
		if visited[start] || labels.Data[start] != float64(models.LabelBackground) {
			continue
		}
		component := floodFill(labels, start, float64(models.LabelBackground), visited)

		touchesBorder := false
		neighborCounts := make(map[int]int)
		for _, idx := range component {
			x, y, z := coordsOf(labels, idx)
			if x == 0 || y == 0 || z == 0 ||
				x == labels.Width-1 || y == labels.Height-1 || z == labels.Depth-1 {
				touchesBorder = true
				break
			}
			forEachNeighbor(labels, x, y, z, func(nIdx int) {
				if v := int(labels.Data[nIdx]); v != models.LabelBackground {
					neighborCounts[v]++
				}
			})
		}
		if touchesBorder || len(neighborCounts) == 0 {
			continue
		}

		fill := models.LabelBackground
		bestCount := -1
		for class, count := range neighborCounts {
			if count > bestCount || (count == bestCount && class < fill) {
				fill = class
				bestCount = count
			}
		}
		for _, idx := range component {
			labels.Data[idx] = float64(fill)
		}
	}
}

// floodFill collects the 6-connected component of value starting at start,
// marking every reached voxel as visited.
func floodFill(vol *models.Volume, start int, value float64, visited []bool) []int {
	queue := []int{start}
	visited[start] = true
	var component []int

	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		component = append(component, idx)

		x, y, z := coordsOf(vol, idx)
		forEachNeighbor(vol, x, y, z, func(nIdx int) {
			if !visited[nIdx] && vol.Data[nIdx] == value {
				visited[nIdx] = true
				queue = append(queue, nIdx)
			}
		})
	}
	return component
}

// forEachNeighbor visits the up-to-six face neighbors of a voxel.
func forEachNeighbor(vol *models.Volume, x, y, z int, fn func(idx int)) {
	if x > 0 {
		fn(vol.Idx(x-1, y, z))
	}
	if x < vol.Width-1 {
		fn(vol.Idx(x+1, y, z))
	}
	if y > 0 {
		fn(vol.Idx(x, y-1, z))
	}
	if y < vol.Height-1 {
		fn(vol.Idx(x, y+1, z))
	}
	if z > 0 {
		fn(vol.Idx(x, y, z-1))
	}
	if z < vol.Depth-1 {
		fn(vol.Idx(x, y, z+1))
	}
}

func coordsOf(vol *models.Volume, idx int) (x, y, z int) {
	plane := vol.Width * vol.Height
	z = idx / plane
	rem := idx % plane
	y = rem / vol.Width
	x = rem % vol.Width
	return
}

func clearVoxels(vol *models.Volume, idxs []int) {
	for _, idx := range idxs {
		vol.Data[idx] = float64(models.LabelBackground)
	}
}
