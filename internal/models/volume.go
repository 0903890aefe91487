package models

import "math"

// ScanGeometry is the physical description of a build, derived once from the
// first and last slice of the selected range and never mutated afterwards.
type ScanGeometry struct {
	// Width and Height are the pixel dimensions of every source slice
	Width  int
	Height int

	// TotalSlices is the number of slices in the selected range
	TotalSlices int

	// PixelSpacing is the in-plane spacing in mm
	PixelSpacing float64

	// SliceThickness is the nominal thickness of the first slice in mm
	SliceThickness float64

	// Physical extents of the scan in mm
	PhysicalWidth  float64
	PhysicalHeight float64
	PhysicalDepth  float64

	// Per-axis scale factors; the longest physical axis scales to 1
	ScaleX float64
	ScaleY float64
	ScaleZ float64

	// FirstLocation and LastLocation bound the range along the scan axis in mm
	FirstLocation float64
	LastLocation  float64
}

// NewScanGeometry computes the scaling of a scan from its pixel dimensions,
// spacing and the locations of its first and last slice.
func NewScanGeometry(width, height, totalSlices int, spacing, thickness, firstLoc, lastLoc float64) ScanGeometry {
	g := ScanGeometry{
		Width:          width,
		Height:         height,
		TotalSlices:    totalSlices,
		PixelSpacing:   spacing,
		SliceThickness: thickness,
		PhysicalWidth:  float64(width) * spacing,
		PhysicalHeight: float64(height) * spacing,
		PhysicalDepth:  math.Abs(lastLoc - firstLoc),
		FirstLocation:  firstLoc,
		LastLocation:   lastLoc,
	}

	maxDimension := math.Max(math.Max(g.PhysicalWidth, g.PhysicalHeight), g.PhysicalDepth)
	g.ScaleX = g.PhysicalWidth / maxDimension
	g.ScaleY = g.PhysicalHeight / maxDimension
	g.ScaleZ = g.PhysicalDepth / maxDimension
	return g
}

// NormalizedX maps a pixel column to normalized model space.
func (g ScanGeometry) NormalizedX(px int) float32 {
	physicalX := float64(px) * g.PixelSpacing
	return float32((physicalX/g.PhysicalWidth - 0.5) * g.ScaleX)
}

// NormalizedY maps a pixel row to normalized model space.
func (g ScanGeometry) NormalizedY(py int) float32 {
	physicalY := float64(py) * g.PixelSpacing
	return float32((physicalY/g.PhysicalHeight - 0.5) * g.ScaleY)
}

// NormalizedZ maps a slice location in mm to normalized model space.
// A scan with no depth (a single slice) collapses onto z = 0.
func (g ScanGeometry) NormalizedZ(location float64) float32 {
	if g.PhysicalDepth == 0 {
		return 0
	}
	return float32(((location-g.FirstLocation)/g.PhysicalDepth - 0.5) * g.ScaleZ)
}

// Progress is reported after each unit of work of a long running step
type Progress struct {
	Step    string
	Current int
	Total   int
}

// Percentage returns Current/Total as a percentage.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// ProgressFunc receives progress events. It may be called concurrently and
// out of order from worker goroutines.
type ProgressFunc func(Progress)
