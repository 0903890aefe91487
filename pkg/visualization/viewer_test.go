package visualization

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ctslicesto3d/pkg/pointcloud"
)

type testPoint struct {
	pos       mgl32.Vec3
	intensity float32
}

// createTestStore seals the given points into a single-slice store
func createTestStore(t *testing.T, points ...testPoint) *pointcloud.Store {
	t.Helper()
	s := pointcloud.NewStore(1, len(points), zaptest.NewLogger(t))
	b := &pointcloud.Batch{Slice: 0}
	for _, p := range points {
		b.Add(p.pos, p.intensity)
	}
	require.NoError(t, s.Merge(b))
	s.Seal()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func randomStore(t *testing.T, seed int64, n int) *pointcloud.Store {
	rng := rand.New(rand.NewSource(seed))
	points := make([]testPoint, n)
	for i := range points {
		points[i] = testPoint{
			pos:       mgl32.Vec3{rng.Float32() - 0.5, rng.Float32() - 0.5, rng.Float32() - 0.5},
			intensity: rng.Float32(),
		}
	}
	return createTestStore(t, points...)
}

// litPixels returns the gray value of every non-black pixel keyed by position
func litPixels(img *image.RGBA) map[image.Point]uint8 {
	lit := map[image.Point]uint8{}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			if c.R != 0 {
				lit[image.Pt(x, y)] = c.R
			}
		}
	}
	return lit
}

func TestPlaneBasis(t *testing.T) {
	normal, up, right := Plane{}.Basis()
	assert.True(t, normal.ApproxEqual(mgl32.Vec3{1, 0, 0}))
	assert.True(t, up.ApproxEqual(mgl32.Vec3{0, 1, 0}))
	assert.True(t, right.ApproxEqual(mgl32.Vec3{0, 0, 1}))

	// Rotating a quarter turn around Y points the normal down -Z
	normal, up, right = Plane{AngleYZ: math.Pi / 2}.Basis()
	assert.True(t, normal.ApproxEqualThreshold(mgl32.Vec3{0, 0, -1}, 1e-6), "normal %v", normal)
	assert.True(t, up.ApproxEqualThreshold(mgl32.Vec3{0, 1, 0}, 1e-6), "up %v", up)
	assert.True(t, right.ApproxEqualThreshold(mgl32.Vec3{1, 0, 0}, 1e-6), "right %v", right)

	// Z rotation is applied before Y rotation
	normal, _, _ = Plane{AngleXY: math.Pi / 2, AngleYZ: math.Pi / 2}.Basis()
	assert.True(t, normal.ApproxEqualThreshold(mgl32.Vec3{0, 1, 0}, 1e-6), "normal %v", normal)
}

func TestExtractSliceKnownPoint(t *testing.T) {
	store := createTestStore(t,
		testPoint{mgl32.Vec3{0, 0.1, 0}, 1},
		testPoint{mgl32.Vec3{0.3, -0.2, 0.1}, 1},
		testPoint{mgl32.Vec3{-0.25, 0.4, -0.4}, 0.7},
	)
	viewer := NewViewer(store, 11, 11)

	img, err := viewer.ExtractSlice(context.Background(), Plane{})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 11, 11), img.Bounds())

	// y = 0.1 maps to row round(0.6*10), z = 0 to column round(0.5*10)
	assert.Equal(t, map[image.Point]uint8{image.Pt(5, 6): 255}, litPixels(img))
	for i := 3; i < len(img.Pix); i += 4 {
		require.Equal(t, uint8(255), img.Pix[i], "alpha must be opaque")
	}
}

func TestExtractSliceRotatedPlane(t *testing.T) {
	store := createTestStore(t,
		testPoint{mgl32.Vec3{0.2, 0.1, 0}, 1},
		testPoint{mgl32.Vec3{0.2, 0.1, 0.3}, 1},
	)
	viewer := NewViewer(store, 11, 11)

	img, err := viewer.ExtractSlice(context.Background(), Plane{AngleYZ: math.Pi / 2})
	require.NoError(t, err)
	assert.Equal(t, map[image.Point]uint8{image.Pt(7, 6): 255}, litPixels(img))
}

func TestExtractSliceAveragesHits(t *testing.T) {
	store := createTestStore(t,
		testPoint{mgl32.Vec3{0.001, 0, 0}, 0.2},
		testPoint{mgl32.Vec3{-0.001, 0, 0}, 0.8},
	)
	viewer := NewViewer(store, 11, 11)

	img, err := viewer.ExtractSlice(context.Background(), Plane{})
	require.NoError(t, err)
	assert.Equal(t, map[image.Point]uint8{image.Pt(5, 5): 128}, litPixels(img))
}

func TestExtractSliceSlabThickness(t *testing.T) {
	store := createTestStore(t, testPoint{mgl32.Vec3{0.004, 0, 0}, 1})
	viewer := NewViewer(store, 11, 11)

	img, err := viewer.ExtractSlice(context.Background(), Plane{})
	require.NoError(t, err)
	assert.Len(t, litPixels(img), 1)

	viewer.ThicknessThreshold = 0.003
	img, err = viewer.ExtractSlice(context.Background(), Plane{})
	require.NoError(t, err)
	assert.Empty(t, litPixels(img))
}

func TestExtractSliceEmptyIntersection(t *testing.T) {
	store := createTestStore(t, testPoint{mgl32.Vec3{0.4, 0, 0}, 1})
	viewer := NewViewer(store, 6, 4)

	img, err := viewer.ExtractSlice(context.Background(), Plane{XPosition: -0.4})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 4), img.Bounds())
	assert.Empty(t, litPixels(img))
}

func TestExtractSliceDiscardsOutOfBounds(t *testing.T) {
	store := createTestStore(t,
		testPoint{mgl32.Vec3{0, 0.7, 0}, 1},
		testPoint{mgl32.Vec3{0, 0, -0.6}, 1},
		testPoint{mgl32.Vec3{0, -0.5, 0.5}, 1},
	)
	viewer := NewViewer(store, 11, 11)

	img, err := viewer.ExtractSlice(context.Background(), Plane{})
	require.NoError(t, err)
	assert.Equal(t, map[image.Point]uint8{image.Pt(10, 0): 255}, litPixels(img))
}

func TestExtractSliceIgnoresClipRange(t *testing.T) {
	s := pointcloud.NewStore(2, 0, nil)
	b := &pointcloud.Batch{Slice: 0}
	b.Add(mgl32.Vec3{0, 0, 0}, 1)
	require.NoError(t, s.Merge(b))
	s.Seal()
	_, _, err := s.SetClipRange(1, 0)
	require.NoError(t, err)
	require.Empty(t, s.RenderData().Indices)

	img, err := NewViewer(s, 11, 11).ExtractSlice(context.Background(), Plane{})
	require.NoError(t, err)
	assert.Len(t, litPixels(img), 1)
}

func TestExtractSliceDeterministic(t *testing.T) {
	store := randomStore(t, 42, 20000)
	viewer := NewViewer(store, 64, 48)
	viewer.ThicknessThreshold = 0.02

	planes := []Plane{
		{},
		{XPosition: 0.1, ZPosition: -0.2, AngleYZ: 0.3, AngleXY: -0.7},
		{XPosition: -0.25, AngleXY: 1.1},
	}
	for _, plane := range planes {
		first, err := viewer.ExtractSlice(context.Background(), plane)
		require.NoError(t, err)
		second, err := viewer.ExtractSlice(context.Background(), plane)
		require.NoError(t, err)
		assert.Equal(t, first.Pix, second.Pix, "plane %+v", plane)
		assert.NotEmpty(t, litPixels(first), "plane %+v", plane)
	}
}

func TestExtractSliceCancelled(t *testing.T) {
	store := randomStore(t, 7, 10000)
	viewer := NewViewer(store, 32, 32)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	img, err := viewer.ExtractSlice(ctx, Plane{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, img)
}

func TestExtractSliceClosedStore(t *testing.T) {
	store := createTestStore(t, testPoint{mgl32.Vec3{}, 1})
	require.NoError(t, store.Close())

	_, err := NewViewer(store, 4, 4).ExtractSlice(context.Background(), Plane{})
	assert.ErrorIs(t, err, pointcloud.ErrClosed)
}

func TestSaveSlice(t *testing.T) {
	store := createTestStore(t, testPoint{mgl32.Vec3{0, 0.1, 0}, 1})
	img, err := NewViewer(store, 9, 7).ExtractSlice(context.Background(), Plane{})
	require.NoError(t, err)

	dir := t.TempDir()
	for name, decode := range map[string]func(*os.File) (image.Image, error){
		"slice.png": func(f *os.File) (image.Image, error) { return png.Decode(f) },
		"slice.jpg": func(f *os.File) (image.Image, error) { return jpeg.Decode(f) },
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, SaveSlice(img, path))

		f, err := os.Open(path)
		require.NoError(t, err)
		decoded, err := decode(f)
		f.Close()
		require.NoError(t, err, name)
		assert.Equal(t, 9, decoded.Bounds().Dx(), name)
		assert.Equal(t, 7, decoded.Bounds().Dy(), name)
	}
}

func TestSaveSliceSequence(t *testing.T) {
	store := createTestStore(t,
		testPoint{mgl32.Vec3{-0.5, 0, 0}, 1},
		testPoint{mgl32.Vec3{0.5, 0, 0}, 1},
	)
	viewer := NewViewer(store, 8, 8)
	dir := filepath.Join(t.TempDir(), "sweep")

	files, err := viewer.SaveSliceSequence(context.Background(), Plane{}, 3, dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, filepath.Join(dir, "slice_x_000.png"), files[0])
	for _, f := range files {
		assert.FileExists(t, f)
	}

	_, err = viewer.SaveSliceSequence(context.Background(), Plane{}, 0, dir)
	assert.Error(t, err)
}

func TestSlicerDeliversLatestOnly(t *testing.T) {
	store := randomStore(t, 3, 5000)
	viewer := NewViewer(store, 16, 16)

	var mu sync.Mutex
	var results []Result
	slicer := NewSlicer(viewer, 30*time.Millisecond, func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}, zaptest.NewLogger(t))

	var last Plane
	var gen uint64
	for i := 0; i < 10; i++ {
		last = Plane{XPosition: float32(i) * 0.05}
		gen = slicer.Request(last)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) > 0
	}, 5*time.Second, 5*time.Millisecond)
	slicer.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, last, results[0].Plane)
	assert.Equal(t, gen, results[0].Generation)
	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Image)
}

func TestSlicerStopCancelsPending(t *testing.T) {
	store := createTestStore(t, testPoint{mgl32.Vec3{}, 1})
	delivered := make(chan Result, 1)
	slicer := NewSlicer(NewViewer(store, 4, 4), time.Hour, func(r Result) { delivered <- r }, nil)

	slicer.Request(Plane{})
	slicer.Stop()
	assert.Empty(t, delivered)

	// Requests after Stop are ignored
	slicer.Request(Plane{})
	slicer.Stop()
	assert.Empty(t, delivered)
}

func TestSaveIntensityHistogram(t *testing.T) {
	store := randomStore(t, 9, 500)
	path := filepath.Join(t.TempDir(), "intensity.png")

	require.NoError(t, SaveIntensityHistogram(store, path, 32))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	assert.Error(t, SaveIntensityHistogram(store, path, 0))

	empty := pointcloud.NewStore(1, 0, nil)
	empty.Seal()
	assert.Error(t, SaveIntensityHistogram(empty, path, 8))

	require.NoError(t, store.Close())
	assert.ErrorIs(t, SaveIntensityHistogram(store, path, 8), pointcloud.ErrClosed)
}
