package main

import (
	"context"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/catalog"
	"ctslicesto3d/pkg/pointcloud"
	"ctslicesto3d/pkg/visualization"
)

// renderSession owns everything tied to one built point cloud. Close tears
// it down in order: pending slices, the store and its buffers, then the
// catalog record.
type renderSession struct {
	id      string
	store   *pointcloud.Store
	viewer  *visualization.Viewer
	slicer  *visualization.Slicer
	catalog *catalog.Catalog
	log     *zap.Logger

	results chan visualization.Result
}

func newRenderSession(store *pointcloud.Store, geom models.ScanGeometry, thickness float64, debounce time.Duration,
	cat *catalog.Catalog, log *zap.Logger) *renderSession {

	s := &renderSession{
		store:   store,
		viewer:  visualization.NewViewer(store, geom.Width, geom.Height),
		catalog: cat,
		log:     log,
		results: make(chan visualization.Result, 1),
	}
	s.viewer.ThicknessThreshold = float32(thickness)
	s.slicer = visualization.NewSlicer(s.viewer, debounce, s.deliver, log)
	return s
}

// deliver keeps only the newest result in the buffer.
func (s *renderSession) deliver(r visualization.Result) {
	select {
	case <-s.results:
	default:
	}
	s.results <- r
}

// record stores the session in the catalog, if one is configured.
func (s *renderSession) record(sourceDir string, params models.SliceRange, roi *image.Rectangle,
	threshold float64, geom models.ScanGeometry) error {

	if s.catalog == nil {
		return nil
	}
	id, err := s.catalog.RecordSession(&catalog.Session{
		SourceDir:   sourceDir,
		Range:       params,
		TotalSlices: geom.TotalSlices,
		ROI:         roi,
		Threshold:   threshold,
		Points:      s.store.Len(),
		ScaleX:      geom.ScaleX,
		ScaleY:      geom.ScaleY,
		ScaleZ:      geom.ScaleZ,
	})
	if err != nil {
		return err
	}
	s.id = id
	return nil
}

// setClip applies a clip range and persists the values actually used.
func (s *renderSession) setClip(front, back int) (int, int, error) {
	front, back, err := s.store.SetClipRange(front, back)
	if err != nil {
		return 0, 0, err
	}
	if s.catalog != nil && s.id != "" {
		if err := s.catalog.UpdateClip(s.id, front, back); err != nil {
			s.log.Warn("failed to persist clip range", zap.String("session_id", s.id), zap.Error(err))
		}
	}
	return front, back, nil
}

// slice requests plane from the slicer and waits for its result.
func (s *renderSession) slice(ctx context.Context, plane visualization.Plane) (*image.RGBA, error) {
	gen := s.slicer.Request(plane)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-s.results:
			if r.Generation != gen {
				continue
			}
			return r.Image, r.Err
		}
	}
}

// Close ends the session. It is safe to call more than once.
func (s *renderSession) Close() {
	s.slicer.Stop()
	if err := s.store.Close(); err != nil {
		s.log.Warn("failed to close point cloud store", zap.Error(err))
	}
	if s.catalog != nil && s.id != "" {
		if err := s.catalog.EndSession(s.id); err != nil {
			s.log.Warn("failed to end catalog session", zap.String("session_id", s.id), zap.Error(err))
		}
		s.id = ""
	}
}

// parseFloats parses exactly n comma separated numbers
func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma separated values, got %q", n, s)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// parseROI parses "x,y,width,height" in source pixels
func parseROI(s string) (*image.Rectangle, error) {
	if s == "" {
		return nil, nil
	}
	v, err := parseFloats(s, 4)
	if err != nil {
		return nil, err
	}
	x, y, w, h := int(v[0]), int(v[1]), int(v[2]), int(v[3])
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("region of interest must have a positive size, got %dx%d", w, h)
	}
	roi := image.Rect(x, y, x+w, y+h)
	return &roi, nil
}

// parsePlane parses "x,z,angleYZ,angleXY"; angles are in degrees
func parsePlane(s string) (visualization.Plane, error) {
	v, err := parseFloats(s, 4)
	if err != nil {
		return visualization.Plane{}, err
	}
	return visualization.Plane{
		XPosition: float32(v[0]),
		ZPosition: float32(v[1]),
		AngleYZ:   float32(v[2] * degToRad),
		AngleXY:   float32(v[3] * degToRad),
	}, nil
}

const degToRad = math.Pi / 180
