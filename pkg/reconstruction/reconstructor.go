package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ctslicesto3d/internal/logger"
	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/pointcloud"
	"ctslicesto3d/pkg/source"
)

// DefaultIntensityThreshold separates tissue from background. Pixels with a
// luminance strictly above it become points.
const DefaultIntensityThreshold = 0.15

// StepProcessSlices is the step name reported while slices are processed.
const StepProcessSlices = "Processing CT slices"

var (
	// ErrEmptyInput is returned when the selected range holds no slices.
	ErrEmptyInput = errors.New("no input slices")

	// ErrFrameMismatch is returned when slices of one build differ in size.
	ErrFrameMismatch = errors.New("slice dimensions differ")
)

// Params holds the reconstruction parameters.
type Params struct {
	// Range selects the slices to process; the zero value selects all of them.
	Range models.SliceRange

	// ROI restricts the pixels that contribute points. Nil means the whole frame.
	ROI *image.Rectangle

	// NumWorkers is how many slices are processed concurrently.
	// Zero uses every available CPU.
	NumWorkers int

	// IntensityThreshold is the tissue cutoff. Nil uses DefaultIntensityThreshold;
	// zero keeps every pixel brighter than black.
	IntensityThreshold *float64

	// OnProgress is called after each slice completes, possibly concurrently.
	OnProgress models.ProgressFunc

	// Logger receives build diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// Reconstructor builds the tissue point cloud of a CT series.
//
// The build consists of several steps:
// 1. Validating the metadata of every slice in range
// 2. Computing the scan geometry and per-axis scaling
// 3. Thresholding slices in parallel into thread-local batches
// 4. Merging batches into the point cloud store
// 5. Calculating point cloud metrics
type Reconstructor struct {
	// params stores the reconstruction configuration
	params *Params

	// geometry is the scaling of the last build
	geometry models.ScanGeometry

	// metrics stores the summary of the last build
	metrics Metrics

	log *zap.Logger
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params) *Reconstructor {
	p := *params
	if p.NumWorkers <= 0 {
		p.NumWorkers = runtime.NumCPU()
	}
	threshold := DefaultIntensityThreshold
	if p.IntensityThreshold != nil {
		threshold = *p.IntensityThreshold
	}
	p.IntensityThreshold = &threshold
	return &Reconstructor{
		params: &p,
		log:    logger.OrNop(p.Logger),
	}
}

// Build runs the reconstruction and returns a sealed point cloud store.
// Any slice failure fails the whole build; no partial store is returned.
func (r *Reconstructor) Build(ctx context.Context, src source.Source) (*pointcloud.Store, error) {
	start := time.Now()

	// Step 1: Resolve the range and validate metadata up front
	lo, hi := r.params.Range.Resolve(src.Len())
	if hi <= lo {
		return nil, fmt.Errorf("%w: range [%d, %d) of %d slices", ErrEmptyInput, r.params.Range.Min, r.params.Range.Max, src.Len())
	}
	meta, err := r.loadMetadata(src, lo, hi)
	if err != nil {
		return nil, err
	}

	// Step 2: Compute the scan geometry
	first, last := meta[0], meta[len(meta)-1]
	geom := models.NewScanGeometry(first.Columns, first.Rows, hi-lo,
		*first.PixelSpacing, *first.SliceThickness, *first.SliceLocation, *last.SliceLocation)
	r.geometry = geom

	r.log.Info("scan geometry",
		zap.Int("slices", geom.TotalSlices),
		zap.Int("width", geom.Width),
		zap.Int("height", geom.Height),
		zap.Float64("physical_width_mm", geom.PhysicalWidth),
		zap.Float64("physical_height_mm", geom.PhysicalHeight),
		zap.Float64("physical_depth_mm", geom.PhysicalDepth),
		zap.Float64("scale_x", geom.ScaleX),
		zap.Float64("scale_y", geom.ScaleY),
		zap.Float64("scale_z", geom.ScaleZ))

	// Steps 3-4: Process slices in parallel and merge them into the store
	store := pointcloud.NewStore(geom.TotalSlices, 0, r.log)
	if err := r.processSlicesInParallel(ctx, src, meta, lo, geom, store); err != nil {
		_ = store.Close()
		return nil, err
	}
	store.Seal()

	// Step 5: Calculate metrics
	r.metrics = calculateMetrics(store, *r.params.IntensityThreshold)
	r.log.Info("point cloud built",
		zap.Int("points", r.metrics.Points),
		zap.Float64("mean_intensity", r.metrics.MeanIntensity),
		zap.Duration("elapsed", time.Since(start)))

	return store, nil
}

// loadMetadata validates every slice in [lo, hi) before any pixel is decoded.
func (r *Reconstructor) loadMetadata(src source.Source, lo, hi int) ([]models.SliceMetadata, error) {
	meta := make([]models.SliceMetadata, 0, hi-lo)
	for i := lo; i < hi; i++ {
		md, err := src.Metadata(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata of slice %d: %w", i, err)
		}
		if err := md.Validate(); err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		if len(meta) > 0 && (md.Rows != meta[0].Rows || md.Columns != meta[0].Columns) {
			return nil, fmt.Errorf("%w: slice %d is %dx%d, slice %d is %dx%d", ErrFrameMismatch,
				i, md.Columns, md.Rows, lo, meta[0].Columns, meta[0].Rows)
		}
		meta = append(meta, md)
	}
	return meta, nil
}

// processSlicesInParallel runs one task per slice on a bounded worker pool.
// Each task accumulates a private batch and merges it under the store lock.
func (r *Reconstructor) processSlicesInParallel(ctx context.Context, src source.Source, meta []models.SliceMetadata,
	lo int, geom models.ScanGeometry, store *pointcloud.Store) error {

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.params.NumWorkers)

	var completed atomic.Int64
	total := len(meta)

	for k := range meta {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			frame, err := src.Frame(lo + k)
			if err != nil {
				return fmt.Errorf("failed to decode slice %d: %w", lo+k, err)
			}
			if frame.Width != geom.Width || frame.Height != geom.Height {
				return fmt.Errorf("%w: slice %d decoded as %dx%d, expected %dx%d", ErrFrameMismatch,
					lo+k, frame.Width, frame.Height, geom.Width, geom.Height)
			}
			if len(frame.Pix) < 4*frame.Width*frame.Height {
				return fmt.Errorf("%w: slice %d has %d pixel bytes, expected %d", ErrFrameMismatch,
					lo+k, len(frame.Pix), 4*frame.Width*frame.Height)
			}

			batch := r.processSlice(frame, k, *meta[k].SliceLocation, geom)
			if err := store.Merge(batch); err != nil {
				return fmt.Errorf("failed to merge slice %d: %w", lo+k, err)
			}

			done := int(completed.Add(1))
			r.log.Debug("slice processed", zap.Int("slice", lo+k), zap.Int("points", batch.Len()))
			if r.params.OnProgress != nil {
				r.params.OnProgress(models.Progress{Step: StepProcessSlices, Current: done, Total: total})
			}
			return nil
		})
	}

	return g.Wait()
}

// processSlice thresholds one frame into a thread-local batch. ordinal is the
// slice's position within the selected range.
func (r *Reconstructor) processSlice(frame *models.Frame, ordinal int, location float64, geom models.ScanGeometry) *pointcloud.Batch {
	batch := &pointcloud.Batch{Slice: ordinal}
	threshold := float32(*r.params.IntensityThreshold)
	z := geom.NormalizedZ(location)

	x0, y0, x1, y1 := 0, 0, frame.Width, frame.Height
	if roi := r.params.ROI; roi != nil {
		clip := roi.Intersect(image.Rect(0, 0, frame.Width, frame.Height))
		x0, y0, x1, y1 = clip.Min.X, clip.Min.Y, clip.Max.X, clip.Max.Y
	}

	for y := y0; y < y1; y++ {
		ny := geom.NormalizedY(y)
		for x := x0; x < x1; x++ {
			intensity := frame.Luminance(x, y)
			if intensity > threshold {
				batch.Add(mgl32.Vec3{geom.NormalizedX(x), ny, z}, intensity)
			}
		}
	}
	return batch
}

// Geometry returns the scan geometry of the last build.
func (r *Reconstructor) Geometry() models.ScanGeometry {
	return r.geometry
}

// Metrics returns the summary of the last build.
func (r *Reconstructor) Metrics() Metrics {
	return r.metrics
}
