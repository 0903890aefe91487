package pointcloud

import "go.uber.org/zap"

// ClampClip fits a front/back clip pair to a stack of total slices.
// Negative values become zero; while front+back would hide every slice the
// larger of the two is reduced (back on a tie).
func ClampClip(front, back, total int) (int, int) {
	if front < 0 {
		front = 0
	}
	if back < 0 {
		back = 0
	}
	if total <= 0 {
		return 0, 0
	}
	if front+back < total {
		return front, back
	}
	excess := front + back - (total - 1)
	if front > back {
		front -= excess
		if front < 0 {
			back += front
			front = 0
		}
	} else {
		back -= excess
		if back < 0 {
			front += back
			back = 0
		}
	}
	return front, back
}

// SetClipRange hides the first front and last back slices of the build and
// recomputes the draw indices from scratch. It returns the values applied
// after clamping. Attached buffer sets receive the new index set. The store
// must be sealed first.
func (s *Store) SetClipRange(front, back int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, ErrClosed
	}
	if !s.sealed {
		return 0, 0, ErrNotSealed
	}

	front, back = ClampClip(front, back, s.totalSlices)
	s.front, s.back = front, back

	last := int32(s.totalSlices - back - 1)
	visible := make([]uint32, 0, len(s.indices))
	for _, idx := range s.indices {
		// Points are kept by the slice ordinal recorded at build time, not by
		// re-deriving a slice from their z coordinate.
		z := s.slices[idx]
		if z >= int32(front) && z <= last {
			visible = append(visible, idx)
		}
	}
	s.drawIndices = visible

	for i, b := range s.buffers {
		if err := b.UpdateIndices(visible); err != nil {
			s.log.Warn("failed to update index buffer", zap.Int("buffer_set", i), zap.Error(err))
		}
	}

	s.log.Debug("clip range applied",
		zap.Int("front", front),
		zap.Int("back", back),
		zap.Int("visible", len(visible)),
		zap.Int("points", len(s.positions)))
	return front, back, nil
}

// ClipRange returns the clip values currently applied.
func (s *Store) ClipRange() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.front, s.back
}
