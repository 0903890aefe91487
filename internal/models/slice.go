package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrMalformedMetadata is returned when a slice lacks a physically
// meaningful field (spacing, location, thickness) or carries a value that
// cannot be used for spatial scaling.
var ErrMalformedMetadata = errors.New("malformed slice metadata")

// SliceMetadata holds the per-frame physical metadata of a CT slice.
// Pointer fields are nil when the source could not find the value.
type SliceMetadata struct {
	// Rows and Columns are the pixel dimensions of the frame
	Rows    int
	Columns int

	// PixelSpacing is the in-plane distance between pixel centres in mm
	PixelSpacing *float64

	// SliceLocation is the position of the slice along the scan axis in mm
	SliceLocation *float64

	// SliceThickness is the nominal thickness of the slice in mm
	SliceThickness *float64

	// SeriesNumber identifies the acquisition the slice belongs to
	SeriesNumber int

	// Filename is the original file the slice was read from, if any
	Filename string
}

// Validate checks that every field required for geometry is present and finite.
func (m SliceMetadata) Validate() error {
	if m.Rows <= 0 || m.Columns <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrMalformedMetadata, m.Columns, m.Rows)
	}
	if m.PixelSpacing == nil {
		return fmt.Errorf("%w: missing pixel spacing", ErrMalformedMetadata)
	}
	if !finite(*m.PixelSpacing) || *m.PixelSpacing <= 0 {
		return fmt.Errorf("%w: pixel spacing %v", ErrMalformedMetadata, *m.PixelSpacing)
	}
	if m.SliceLocation == nil {
		return fmt.Errorf("%w: missing slice location", ErrMalformedMetadata)
	}
	if !finite(*m.SliceLocation) {
		return fmt.Errorf("%w: slice location %v", ErrMalformedMetadata, *m.SliceLocation)
	}
	if m.SliceThickness == nil {
		return fmt.Errorf("%w: missing slice thickness", ErrMalformedMetadata)
	}
	if !finite(*m.SliceThickness) || *m.SliceThickness < 0 {
		return fmt.Errorf("%w: slice thickness %v", ErrMalformedMetadata, *m.SliceThickness)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Float returns a pointer to v. It is a convenience for filling SliceMetadata.
func Float(v float64) *float64 {
	return &v
}

// Frame is a decoded grayscale slice in 4 bytes/pixel RGBA layout
type Frame struct {
	// Width and Height are the pixel dimensions of the frame
	Width  int
	Height int

	// Pix holds the pixels row by row, 4 bytes each (R, G, B, A)
	Pix []byte
}

// Luminance returns the normalized luminance of the pixel at (x, y) in [0, 1].
func (f *Frame) Luminance(x, y int) float32 {
	o := (y*f.Width + x) * 4
	r, g, b := float32(f.Pix[o]), float32(f.Pix[o+1]), float32(f.Pix[o+2])
	return (r*0.299 + g*0.587 + b*0.114) / 255
}

// SliceRange selects the half-open interval [Min, Max) of slice indices.
// The zero value selects the whole stack.
type SliceRange struct {
	Min int
	Max int
}

// Resolve clamps the range to a stack of n slices. A zero range means all of it.
func (r SliceRange) Resolve(n int) (int, int) {
	lo, hi := r.Min, r.Max
	if lo == 0 && hi == 0 {
		return 0, n
	}
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
