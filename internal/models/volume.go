// Package models holds the shared data types of the segmentation pipeline:
// volumes, subjects and predictions. All volumes are stored as flat float64
// arrays in z-major order so the processing packages can share index math.
package models

import "fmt"

// Tissue class labels. Zero is background so that a freshly allocated label
// volume is a valid (empty) segmentation.
const (
	LabelBackground = iota
	LabelWhiteMatter
	LabelGreyMatter
	LabelHippocampus
	LabelAmygdala
	LabelThalamus
)

// LabelName returns the human-readable name of a tissue label.
func LabelName(label int) string {
	switch label {
	case LabelBackground:
		return "Background"
	case LabelWhiteMatter:
		return "WhiteMatter"
	case LabelGreyMatter:
		return "GreyMatter"
	case LabelHippocampus:
		return "Hippocampus"
	case LabelAmygdala:
		return "Amygdala"
	case LabelThalamus:
		return "Thalamus"
	}
	return fmt.Sprintf("Label%d", label)
}

// Modality keys used across the pipeline. Subjects may carry additional
// modalities; these are the ones the default configuration requires.
const (
	ModalityT1 = "T1w"
	ModalityT2 = "T2w"
)

// Vec3 is a physical-space triple used for voxel spacing and volume origin.
type Vec3 struct {
	X, Y, Z float64
}

// Volume represents a 3D intensity or label volume.
type Volume struct {
	// Data is the volume data as a 1D array in z-major order:
	// index = z*Width*Height + y*Width + x
	Data []float64

	// Width, Height, Depth are the grid dimensions in voxels
	Width, Height, Depth int

	// Spacing is the physical size of each voxel in mm
	Spacing Vec3

	// Origin is the physical position of voxel (0, 0, 0) in mm
	Origin Vec3
}

// NewVolume allocates a zero-filled volume with the given dimensions and
// unit spacing.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:    make([]float64, width*height*depth),
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: Vec3{X: 1, Y: 1, Z: 1},
	}
}

// NewVolumeLike allocates a zero-filled volume on the same grid and with the
// same geometry as ref.
func NewVolumeLike(ref *Volume) *Volume {
	v := NewVolume(ref.Width, ref.Height, ref.Depth)
	v.Spacing = ref.Spacing
	v.Origin = ref.Origin
	return v
}

// Idx converts grid coordinates to the flat array index.
func (v *Volume) Idx(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value at the given grid coordinates.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Idx(x, y, z)]
}

// Set writes the value at the given grid coordinates.
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Idx(x, y, z)] = value
}

// NumVoxels returns the total voxel count of the grid.
func (v *Volume) NumVoxels() int {
	return v.Width * v.Height * v.Depth
}

// Clone returns a deep copy of the volume, including geometry.
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data:    make([]float64, len(v.Data)),
		Width:   v.Width,
		Height:  v.Height,
		Depth:   v.Depth,
		Spacing: v.Spacing,
		Origin:  v.Origin,
	}
	copy(out.Data, v.Data)
	return out
}

// SameGrid reports whether two volumes share dimensions and geometry.
// All volumes belonging to one subject must satisfy this.
func (v *Volume) SameGrid(other *Volume) bool {
	return v.Width == other.Width &&
		v.Height == other.Height &&
		v.Depth == other.Depth &&
		v.Spacing == other.Spacing &&
		v.Origin == other.Origin
}

// MaskCount returns the number of nonzero voxels, i.e. the number of voxels
// selected when the volume is used as a binary mask.
func (v *Volume) MaskCount() int {
	n := 0
	for _, val := range v.Data {
		if val != 0 {
			n++
		}
	}
	return n
}

// Subject is one patient case: a set of co-registered modality volumes, a
// brain mask and, for training and evaluation, a ground-truth label volume.
type Subject struct {
	// ID identifies the subject across logs, records and result files
	ID string

	// Images maps modality names (e.g. T1w, T2w) to intensity volumes
	Images map[string]*Volume

	// Mask is the binary brain mask; nonzero voxels are classified
	Mask *Volume

	// GroundTruth is the label volume; nil during pure inference
	GroundTruth *Volume
}

// Validate checks the shared-grid invariant: every volume of the subject must
// live on the mask's voxel grid with identical geometry.
func (s *Subject) Validate() error {
	if s.Mask == nil {
		return fmt.Errorf("subject %s: missing brain mask", s.ID)
	}
	for name, img := range s.Images {
		if img == nil {
			return fmt.Errorf("subject %s: modality %s is nil", s.ID, name)
		}
		if !img.SameGrid(s.Mask) {
			return fmt.Errorf("subject %s: modality %s geometry does not match mask", s.ID, name)
		}
	}
	if s.GroundTruth != nil && !s.GroundTruth.SameGrid(s.Mask) {
		return fmt.Errorf("subject %s: ground truth geometry does not match mask", s.ID)
	}
	return nil
}

// Prediction is the classifier output for one subject, aligned to the
// subject's voxel grid.
type Prediction struct {
	// Labels is the predicted label volume
	Labels *Volume

	// Classes lists the class labels the model knows, in the column order
	// of Probabilities
	Classes []int

	// Probabilities holds one volume per class in Classes; for every in-mask
	// voxel the values across volumes sum to 1
	Probabilities []*Volume
}

// Clone returns a deep copy of the prediction.
func (p *Prediction) Clone() *Prediction {
	out := &Prediction{
		Labels:  p.Labels.Clone(),
		Classes: append([]int(nil), p.Classes...),
	}
	for _, prob := range p.Probabilities {
		out.Probabilities = append(out.Probabilities, prob.Clone())
	}
	return out
}

// ProbabilityOf returns the probability volume for the given class label, or
// nil when the model does not know the class.
func (p *Prediction) ProbabilityOf(label int) *Volume {
	for i, c := range p.Classes {
		if c == label {
			return p.Probabilities[i]
		}
	}
	return nil
}
