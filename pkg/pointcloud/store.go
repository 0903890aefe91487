// Package pointcloud holds the reconstructed tissue points of a render session.
//
// A Store owns three parallel arrays (positions, grayscale colors, source
// slice ordinals), an exact position lookup, and the subset of indices that
// survives the current clip range. Point content is fixed once the build
// seals the store; afterwards only the clip range and draw indices change.
package pointcloud

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/kdtree"

	"ctslicesto3d/internal/logger"
)

// ErrClosed is returned by queries on a store whose session has ended.
var ErrClosed = errors.New("point cloud store is closed")

// ErrNotSealed is returned by clip operations before the build phase has ended.
var ErrNotSealed = errors.New("point cloud store is not sealed")

// Batch is the thread-local output of one slice, merged in one step.
type Batch struct {
	Slice     int
	Positions []mgl32.Vec3
	Colors    []mgl32.Vec3
}

// Add appends a point of the given intensity.
func (b *Batch) Add(p mgl32.Vec3, intensity float32) {
	b.Positions = append(b.Positions, p)
	b.Colors = append(b.Colors, mgl32.Vec3{intensity, intensity, intensity})
}

// Len returns the number of points in the batch.
func (b *Batch) Len() int { return len(b.Positions) }

// RenderData is the view a render adapter uploads: 3 floats per position,
// 3 floats per color and packed uint32 indices.
type RenderData struct {
	Positions []mgl32.Vec3
	Colors    []mgl32.Vec3
	Indices   []uint32
}

// BufferSet is a set of graphics buffers paired with a store, implemented
// by the render adapter. Release is called exactly once, from Close.
type BufferSet interface {
	Upload(RenderData) error
	UpdateIndices(indices []uint32) error
	Release() error
}

// Store is the accumulated point cloud of one build.
type Store struct {
	mu sync.RWMutex

	positions []mgl32.Vec3
	colors    []mgl32.Vec3
	slices    []int32
	indices   []uint32
	lookup    map[mgl32.Vec3]int

	drawIndices []uint32
	totalSlices int
	front       int
	back        int
	sealed      bool
	closed      bool

	buffers []BufferSet
	tree    *kdtree.Tree

	log *zap.Logger
}

// NewStore creates an empty store for a build over totalSlices slices.
// sizeHint preallocates room for the expected number of points.
func NewStore(totalSlices, sizeHint int, log *zap.Logger) *Store {
	return &Store{
		positions:   make([]mgl32.Vec3, 0, sizeHint),
		colors:      make([]mgl32.Vec3, 0, sizeHint),
		slices:      make([]int32, 0, sizeHint),
		indices:     make([]uint32, 0, sizeHint),
		lookup:      make(map[mgl32.Vec3]int, sizeHint),
		totalSlices: totalSlices,
		log:         logger.OrNop(log),
	}
}

// Merge appends a batch under the store lock. Indices are offset by the
// number of points already stored, so merge order does not matter.
func (s *Store) Merge(b *Batch) error {
	if len(b.Positions) != len(b.Colors) {
		return fmt.Errorf("batch for slice %d has %d positions but %d colors", b.Slice, len(b.Positions), len(b.Colors))
	}
	if b.Slice < 0 || b.Slice >= s.totalSlices {
		return fmt.Errorf("batch slice %d out of range [0, %d)", b.Slice, s.totalSlices)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.sealed {
		return errors.New("merge into sealed point cloud store")
	}

	base := len(s.positions)
	s.positions = append(s.positions, b.Positions...)
	s.colors = append(s.colors, b.Colors...)
	for i, p := range b.Positions {
		s.slices = append(s.slices, int32(b.Slice))
		s.indices = append(s.indices, uint32(base+i))
		s.lookup[p] = base + i
	}
	s.tree = nil
	return nil
}

// Seal ends the build phase. The draw set starts as every point.
func (s *Store) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	s.drawIndices = s.indices
}

// Len returns the number of stored points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// TotalSlices returns the number of slices the store was built from.
func (s *Store) TotalSlices() int {
	return s.totalSlices
}

// Lookup reports the intensity stored at exactly position p.
func (s *Store) Lookup(p mgl32.Vec3) (float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.lookup[p]
	if !ok {
		return 0, false
	}
	return s.colors[i][0], true
}

// Point returns the position, intensity and source slice of point i.
func (s *Store) Point(i int) (mgl32.Vec3, float32, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mgl32.Vec3{}, 0, 0, ErrClosed
	}
	if i < 0 || i >= len(s.positions) {
		return mgl32.Vec3{}, 0, 0, fmt.Errorf("point %d out of range [0, %d)", i, len(s.positions))
	}
	return s.positions[i], s.colors[i][0], int(s.slices[i]), nil
}

// Scan calls fn for every distinct position, in index order, while holding
// the read lock. A position stored more than once is visited once, with
// the intensity held by the lookup. fn returns false to stop the scan.
func (s *Store) Scan(fn func(i int, p mgl32.Vec3, intensity float32) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	for i, p := range s.positions {
		if s.lookup[p] != i {
			continue
		}
		if !fn(i, p, s.colors[i][0]) {
			return nil
		}
	}
	return nil
}

// Intensities returns a copy of every stored intensity, in index order.
func (s *Store) Intensities() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.colors))
	for i, c := range s.colors {
		out[i] = float64(c[0])
	}
	return out
}

// SliceCounts returns the number of points contributed by each slice.
func (s *Store) SliceCounts() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make([]int, s.totalSlices)
	for _, z := range s.slices {
		counts[z]++
	}
	return counts
}

// RenderData returns the arrays as of the last clip change. The slices are
// shared with the store and must be treated as read-only.
func (s *Store) RenderData() RenderData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renderDataLocked()
}

func (s *Store) renderDataLocked() RenderData {
	draw := s.drawIndices
	if !s.sealed {
		draw = s.indices
	}
	return RenderData{Positions: s.positions, Colors: s.colors, Indices: draw}
}

// FlatPositions returns the positions as x,y,z float triples without copying.
func (d RenderData) FlatPositions() []float32 {
	return flatten(d.Positions)
}

// FlatColors returns the colors as r,g,b float triples without copying.
func (d RenderData) FlatColors() []float32 {
	return flatten(d.Colors)
}

func flatten(v []mgl32.Vec3) []float32 {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice(&v[0][0], len(v)*3)
}

// Attach pairs a render adapter's buffers with the store and uploads the
// current render data to them. The buffers are released by Close.
func (s *Store) Attach(b BufferSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := b.Upload(s.renderDataLocked()); err != nil {
		return fmt.Errorf("failed to upload render data: %w", err)
	}
	s.buffers = append(s.buffers, b)
	return nil
}

// Close ends the session: paired buffers are released exactly once and the
// arrays are dropped. Release failures are logged, not returned. Calling
// Close again is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.log.Debug("closing point cloud store",
		zap.Int("points", len(s.positions)),
		zap.Int("draw_indices", len(s.drawIndices)),
		zap.Int("buffer_sets", len(s.buffers)))

	for i, b := range s.buffers {
		if err := b.Release(); err != nil {
			s.log.Warn("failed to release graphics buffers", zap.Int("buffer_set", i), zap.Error(err))
		}
	}
	s.buffers = nil

	s.positions = nil
	s.colors = nil
	s.slices = nil
	s.indices = nil
	s.drawIndices = nil
	s.lookup = nil
	s.tree = nil

	s.log.Debug("point cloud store closed")
	return nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
