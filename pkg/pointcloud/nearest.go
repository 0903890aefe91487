package pointcloud

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// cloudPoint is a stored position tagged with its index, for kd-tree queries.
type cloudPoint struct {
	Pos   mgl32.Vec3
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p cloudPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(cloudPoint)
	return float64(p.Pos[d] - q.Pos[d])
}

// Dims returns the number of dimensions for the KD-tree
func (p cloudPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p cloudPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(cloudPoint)
	d := p.Pos.Sub(q.Pos)
	return float64(d.Dot(d))
}

// cloudPoints is a collection of cloudPoint that satisfies kdtree.Interface
type cloudPoints []cloudPoint

func (p cloudPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p cloudPoints) Len() int                              { return len(p) }
func (p cloudPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p cloudPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(cloudPlane{cloudPoints: p, Dim: d}, kdtree.MedianOfRandoms(cloudPlane{cloudPoints: p, Dim: d}, 100))
}

// cloudPlane implements sort.Interface and kdtree.SortSlicer for cloudPoints
type cloudPlane struct {
	cloudPoints
	kdtree.Dim
}

func (p cloudPlane) Less(i, j int) bool {
	return p.cloudPoints[i].Pos[p.Dim] < p.cloudPoints[j].Pos[p.Dim]
}

func (p cloudPlane) Slice(start, end int) kdtree.SortSlicer {
	return cloudPlane{cloudPoints: p.cloudPoints[start:end], Dim: p.Dim}
}

func (p cloudPlane) Swap(i, j int) {
	p.cloudPoints[i], p.cloudPoints[j] = p.cloudPoints[j], p.cloudPoints[i]
}

// Nearest returns the index of the stored point closest to p and its
// Euclidean distance. The kd-tree is built on first use over the sealed
// point content. ok is false for an empty store.
func (s *Store) Nearest(p mgl32.Vec3) (index int, dist float64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, false, ErrClosed
	}
	if len(s.positions) == 0 {
		return 0, 0, false, nil
	}
	if s.tree == nil {
		pts := make(cloudPoints, len(s.positions))
		for i, pos := range s.positions {
			pts[i] = cloudPoint{Pos: pos, Index: i}
		}
		s.tree = kdtree.New(pts, false)
	}

	got, d2 := s.tree.Nearest(cloudPoint{Pos: p})
	return got.(cloudPoint).Index, math.Sqrt(d2), true, nil
}
