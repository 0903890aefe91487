package visualization

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"ctslicesto3d/pkg/pointcloud"
)

// DefaultThicknessThreshold is the half-thickness of the slab around the
// cutting plane, in normalized model units.
const DefaultThicknessThreshold = 0.005

// cancelCheckInterval is how many points are scanned between context checks.
const cancelCheckInterval = 4096

// Plane is an oblique cutting plane through the point cloud. The plane passes
// through (XPosition, 0, ZPosition); its normal is the X axis rotated first
// by AngleXY around Z and then by AngleYZ around Y. Angles are in radians.
type Plane struct {
	XPosition float32
	ZPosition float32
	AngleYZ   float32
	AngleXY   float32
}

// Basis returns the unit normal and the in-plane up and right vectors.
func (p Plane) Basis() (normal, up, right mgl32.Vec3) {
	rotation := mgl32.QuatRotate(p.AngleYZ, mgl32.Vec3{0, 1, 0}).
		Mul(mgl32.QuatRotate(p.AngleXY, mgl32.Vec3{0, 0, 1}))

	normal = rotation.Rotate(mgl32.Vec3{1, 0, 0}).Normalize()
	up = rotation.Rotate(mgl32.Vec3{0, 1, 0})
	right = rotation.Rotate(mgl32.Vec3{0, 0, 1})
	return normal, up, right
}

// Origin returns the point the plane passes through.
func (p Plane) Origin() mgl32.Vec3 {
	return mgl32.Vec3{p.XPosition, 0, p.ZPosition}
}

// Viewer resamples a point cloud along arbitrary planes into 2D images
// sized like the source slices.
type Viewer struct {
	store *pointcloud.Store

	// dimensions of the source slices
	width  int
	height int

	// ThicknessThreshold is the maximum distance from the plane at which a
	// point still contributes to the image
	ThicknessThreshold float32
}

// NewViewer creates a viewer over store producing width x height images
func NewViewer(store *pointcloud.Store, width, height int) *Viewer {
	return &Viewer{
		store:              store,
		width:              width,
		height:             height,
		ThicknessThreshold: DefaultThicknessThreshold,
	}
}

// Bounds returns the rectangle of the images the viewer produces.
func (v *Viewer) Bounds() image.Rectangle {
	return image.Rect(0, 0, v.width, v.height)
}

// ExtractSlice projects every point within the slab around plane onto it and
// averages the intensities landing on each pixel. Pixels nobody hits stay
// black. Every stored point is considered, including those hidden by the
// clip range. ctx is checked while scanning; a cancelled extraction returns
// ctx.Err() and no image.
func (v *Viewer) ExtractSlice(ctx context.Context, plane Plane) (*image.RGBA, error) {
	if v.width <= 0 || v.height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", v.width, v.height)
	}

	origin := plane.Origin()
	normal, up, right := plane.Basis()
	threshold := v.ThicknessThreshold

	sums := make([]float32, v.width*v.height)
	counts := make([]int32, v.width*v.height)
	maxY := float64(v.height - 1)
	maxX := float64(v.width - 1)

	var scanned int
	var scanErr error
	err := v.store.Scan(func(_ int, p mgl32.Vec3, intensity float32) bool {
		scanned++
		if scanned%cancelCheckInterval == 0 {
			if scanErr = ctx.Err(); scanErr != nil {
				return false
			}
		}

		rel := p.Sub(origin)
		distance := rel.Dot(normal)
		if float32(math.Abs(float64(distance))) > threshold {
			return true
		}

		projected := p.Sub(normal.Mul(distance)).Sub(origin)
		y := projected.Dot(up)
		z := projected.Dot(right)

		imageY := int(math.RoundToEven((float64(y) + 0.5) * maxY))
		imageX := int(math.RoundToEven((float64(z) + 0.5) * maxX))
		if imageY < 0 || imageY >= v.height || imageX < 0 || imageX >= v.width {
			return true
		}

		o := imageY*v.width + imageX
		sums[o] += intensity
		counts[o]++
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(v.Bounds())
	for i, n := range counts {
		var value uint8
		if n > 0 {
			value = toByte(sums[i] / float32(n))
		}
		o := i * 4
		img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = value, value, value, 255
	}
	return img, nil
}

func toByte(intensity float32) uint8 {
	v := math.RoundToEven(float64(intensity) * 255)
	return uint8(math.Max(0, math.Min(255, v)))
}

// SaveSlice writes an extracted slice to filename. The format follows the
// extension: .jpg/.jpeg writes JPEG, anything else PNG.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// SaveSliceSequence sweeps the plane's X position across the volume in count
// evenly spaced steps from -0.5 to 0.5 and saves each slice in outputDir.
// The remaining plane parameters are kept. It returns the written files.
func (v *Viewer) SaveSliceSequence(ctx context.Context, plane Plane, count int, outputDir string) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("slice count must be positive, got %d", count)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	files := make([]string, 0, count)
	for i := 0; i < count; i++ {
		plane.XPosition = sweepPosition(i, count)

		img, err := v.ExtractSlice(ctx, plane)
		if err != nil {
			return files, fmt.Errorf("slice %d: %w", i, err)
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_x_%03d.png", i))
		if err := SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}

func sweepPosition(i, count int) float32 {
	if count == 1 {
		return 0
	}
	return float32(i)/float32(count-1) - 0.5
}
