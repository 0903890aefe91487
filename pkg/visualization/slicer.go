package visualization

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"ctslicesto3d/internal/logger"
)

// Result is a completed slice extraction.
type Result struct {
	Plane      Plane
	Image      *image.RGBA
	Err        error
	Generation uint64
}

// Slicer runs slice extractions off the caller's goroutine. Only the newest
// request is ever delivered: a new Request cancels the one in flight, and a
// result whose request has been superseded is dropped.
type Slicer struct {
	viewer   *Viewer
	debounce time.Duration
	deliver  func(Result)
	log      *zap.Logger

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	stopped    bool
	wg         sync.WaitGroup
}

// NewSlicer creates a slicer. Each request waits debounce before it starts
// scanning; zero starts immediately. deliver is called with the slicer's
// lock held and must not call Request or Stop.
func NewSlicer(viewer *Viewer, debounce time.Duration, deliver func(Result), log *zap.Logger) *Slicer {
	return &Slicer{
		viewer:   viewer,
		debounce: debounce,
		deliver:  deliver,
		log:      logger.OrNop(log),
	}
}

// Request supersedes any pending request with plane and returns its generation.
func (s *Slicer) Request(plane Plane) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return s.generation
	}

	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.generation++
	gen := s.generation

	s.wg.Add(1)
	go s.run(ctx, gen, plane)
	return gen
}

func (s *Slicer) run(ctx context.Context, gen uint64, plane Plane) {
	defer s.wg.Done()

	if s.debounce > 0 {
		timer := time.NewTimer(s.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	start := time.Now()
	img, err := s.viewer.ExtractSlice(ctx, plane)
	if errors.Is(err, context.Canceled) {
		s.log.Debug("slice request superseded", zap.Uint64("generation", gen))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.stopped {
		s.log.Debug("dropping stale slice", zap.Uint64("generation", gen), zap.Uint64("current", s.generation))
		return
	}
	if err != nil {
		s.log.Warn("slice extraction failed", zap.Uint64("generation", gen), zap.Error(err))
	} else {
		s.log.Debug("slice extracted", zap.Uint64("generation", gen), zap.Duration("elapsed", time.Since(start)))
	}
	s.deliver(Result{Plane: plane, Image: img, Err: err, Generation: gen})
}

// Stop cancels the pending request and waits for every worker to exit.
// No result is delivered after Stop returns.
func (s *Slicer) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}
