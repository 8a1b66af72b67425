package evaluation

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"brainseg/internal/models"
)

// surfacePoint is a boundary voxel position in physical (mm) space.
type surfacePoint struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface
func (p surfacePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(surfacePoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p surfacePoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p surfacePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(surfacePoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// surfacePoints is a collection of surfacePoint that satisfies kdtree.Interface
type surfacePoints []surfacePoint

func (p surfacePoints) Index(i int) kdtree.Comparable        { return p[i] }
func (p surfacePoints) Len() int                             { return len(p) }
func (p surfacePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p surfacePoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{surfacePoints: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{surfacePoints: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for surfacePoints
type pointPlane struct {
	surfacePoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.surfacePoints[i].X < p.surfacePoints[j].X
	case 1:
		return p.surfacePoints[i].Y < p.surfacePoints[j].Y
	case 2:
		return p.surfacePoints[i].Z < p.surfacePoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{surfacePoints: p.surfacePoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.surfacePoints[i], p.surfacePoints[j] = p.surfacePoints[j], p.surfacePoints[i]
}

// classSurface extracts the boundary voxels of a class in physical space.
// A voxel is on the boundary when at least one of its six face neighbors does
// not belong to the class, or when it lies on the volume border.
func classSurface(vol *models.Volume, class int) surfacePoints {
	target := float64(class)
	var points surfacePoints

	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				if vol.At(x, y, z) != target {
					continue
				}
				if isBoundary(vol, x, y, z, target) {
					points = append(points, surfacePoint{
						X: vol.Origin.X + float64(x)*vol.Spacing.X,
						Y: vol.Origin.Y + float64(y)*vol.Spacing.Y,
						Z: vol.Origin.Z + float64(z)*vol.Spacing.Z,
					})
				}
			}
		}
	}
	return points
}

func isBoundary(vol *models.Volume, x, y, z int, target float64) bool {
	if x == 0 || y == 0 || z == 0 ||
		x == vol.Width-1 || y == vol.Height-1 || z == vol.Depth-1 {
		return true
	}
	return vol.At(x-1, y, z) != target || vol.At(x+1, y, z) != target ||
		vol.At(x, y-1, z) != target || vol.At(x, y+1, z) != target ||
		vol.At(x, y, z-1) != target || vol.At(x, y, z+1) != target
}

// surfaceDistances computes the Hausdorff distance and the average symmetric
// surface distance between two boundary voxel sets, in mm. Both sets must be
// non-empty.
func surfaceDistances(a, b surfacePoints) (hausdorff, assd float64) {
	treeB := kdtree.New(b, true)
	treeA := kdtree.New(a, true)

	maxAB, sumAB := directedDistances(a, treeB)
	maxBA, sumBA := directedDistances(b, treeA)

	hausdorff = math.Max(maxAB, maxBA)
	assd = (sumAB + sumBA) / float64(len(a)+len(b))
	return hausdorff, assd
}

// directedDistances returns the maximum and summed nearest-neighbor distance
// from every point in from to the tree.
func directedDistances(from surfacePoints, tree *kdtree.Tree) (max, sum float64) {
	for _, p := range from {
		_, distSq := tree.Nearest(p)
		d := math.Sqrt(distSq)
		sum += d
		if d > max {
			max = d
		}
	}
	return max, sum
}
