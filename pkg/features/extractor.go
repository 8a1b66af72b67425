// Package features turns a preprocessed subject into the per-voxel feature
// matrix and label vector consumed by the classifier. One row is produced per
// nonzero brain-mask voxel, in z-major scan order, so a subject's feature
// matrix and label vector always align row for row.
package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"brainseg/internal/models"
)

// Extractor assembles feature rows from a subject's volumes. Each feature
// channel can be toggled independently; the column layout is:
// [x, y, z] [intensity per modality] [gradient magnitude per modality],
// with modalities in the order given at construction.
type Extractor struct {
	modalities []string
	coords     bool
	intensity  bool
	gradient   bool
}

// NewExtractor builds an extractor for the given modality order and feature
// toggles. At least one channel must be enabled.
func NewExtractor(modalities []string, coords, intensity, gradient bool) (*Extractor, error) {
	if !coords && !intensity && !gradient {
		return nil, fmt.Errorf("no feature channels enabled")
	}
	if (intensity || gradient) && len(modalities) == 0 {
		return nil, fmt.Errorf("intensity features require at least one modality")
	}
	return &Extractor{
		modalities: append([]string(nil), modalities...),
		coords:     coords,
		intensity:  intensity,
		gradient:   gradient,
	}, nil
}

// NumFeatures returns the feature column count.
func (e *Extractor) NumFeatures() int {
	n := 0
	if e.coords {
		n += 3
	}
	if e.intensity {
		n += len(e.modalities)
	}
	if e.gradient {
		n += len(e.modalities)
	}
	return n
}

// ColumnNames returns the feature column names in matrix order.
func (e *Extractor) ColumnNames() []string {
	var names []string
	if e.coords {
		names = append(names, "x", "y", "z")
	}
	if e.intensity {
		for _, m := range e.modalities {
			names = append(names, m+"_intensity")
		}
	}
	if e.gradient {
		for _, m := range e.modalities {
			names = append(names, m+"_gradient")
		}
	}
	return names
}

// Extract produces the feature matrix and label vector for one subject,
// restricted to nonzero mask voxels. Labels are nil when the subject has no
// ground truth. An empty mask yields a zero-row matrix and no error.
//
// When stats is non-nil and ground truth is present, the per-class intensity
// statistics of every masked voxel are accumulated into it for reporting.
func (e *Extractor) Extract(subject *models.Subject, stats *ClassStats) (*mat.Dense, []int, error) {
	if err := subject.Validate(); err != nil {
		return nil, nil, err
	}
	for _, m := range e.modalities {
		if _, ok := subject.Images[m]; !ok {
			return nil, nil, fmt.Errorf("subject %s: modality %s not available for feature extraction", subject.ID, m)
		}
	}

	mask := subject.Mask
	rows := mask.MaskCount()
	cols := e.NumFeatures()
	if rows == 0 {
		// Callers must handle zero-row matrices; an empty Dense has Dims (0, 0).
		return &mat.Dense{}, nil, nil
	}

	// Gradient magnitudes are computed once per modality over the full
	// volume, then sampled at masked voxels.
	gradients := make(map[string]*models.Volume)
	if e.gradient {
		for _, m := range e.modalities {
			gradients[m] = gradientMagnitude(subject.Images[m])
		}
	}

	matrix := mat.NewDense(rows, cols, nil)
	var labels []int
	hasTruth := subject.GroundTruth != nil
	if hasTruth {
		labels = make([]int, 0, rows)
	}

	row := 0
	for z := 0; z < mask.Depth; z++ {
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				idx := mask.Idx(x, y, z)
				if mask.Data[idx] == 0 {
					continue
				}

				col := 0
				if e.coords {
					matrix.Set(row, col, normCoord(x, mask.Width))
					matrix.Set(row, col+1, normCoord(y, mask.Height))
					matrix.Set(row, col+2, normCoord(z, mask.Depth))
					col += 3
				}
				if e.intensity {
					for _, m := range e.modalities {
						matrix.Set(row, col, subject.Images[m].Data[idx])
						col++
					}
				}
				if e.gradient {
					for _, m := range e.modalities {
						matrix.Set(row, col, gradients[m].Data[idx])
						col++
					}
				}

				if hasTruth {
					// Round rather than truncate: label volumes decoded from
					// external files may carry rescale noise.
					label := int(math.Round(subject.GroundTruth.Data[idx]))
					labels = append(labels, label)
					if stats != nil {
						for _, m := range e.modalities {
							stats.Add(m, label, subject.Images[m].Data[idx])
						}
					}
				}
				row++
			}
		}
	}

	return matrix, labels, nil
}

// normCoord maps a grid coordinate to [0, 1].
func normCoord(i, size int) float64 {
	if size <= 1 {
		return 0
	}
	return float64(i) / float64(size-1)
}

// gradientMagnitude computes the spacing-aware local gradient magnitude of a
// volume using central differences, falling back to one-sided differences at
// the borders.
func gradientMagnitude(vol *models.Volume) *models.Volume {
	out := models.NewVolumeLike(vol)
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				gx := axisDiff(vol, x, y, z, 0) / vol.Spacing.X
				gy := axisDiff(vol, x, y, z, 1) / vol.Spacing.Y
				gz := axisDiff(vol, x, y, z, 2) / vol.Spacing.Z
				out.Set(x, y, z, math.Sqrt(gx*gx+gy*gy+gz*gz))
			}
		}
	}
	return out
}

// axisDiff returns the finite difference along one axis (0=x, 1=y, 2=z).
func axisDiff(vol *models.Volume, x, y, z, axis int) float64 {
	var pos, size int
	switch axis {
	case 0:
		pos, size = x, vol.Width
	case 1:
		pos, size = y, vol.Height
	default:
		pos, size = z, vol.Depth
	}
	if size < 2 {
		return 0
	}

	sample := func(p int) float64 {
		switch axis {
		case 0:
			return vol.At(p, y, z)
		case 1:
			return vol.At(x, p, z)
		default:
			return vol.At(x, y, p)
		}
	}

	switch {
	case pos == 0:
		return sample(1) - sample(0)
	case pos == size-1:
		return sample(size-1) - sample(size-2)
	default:
		return (sample(pos+1) - sample(pos-1)) / 2
	}
}
