// Package source provides the slice sources a volume build reads from.
//
// A Source hands out frames already ordered by ascending slice location,
// together with the physical metadata of each frame. Parsing of scanner
// files and intensity windowing happen before frames reach a Source.
package source

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"ctslicesto3d/internal/models"
)

// ErrMixedSeries is returned when slices from different acquisitions are combined.
var ErrMixedSeries = errors.New("slices belong to different series")

// Source is an ordered stack of decoded slices.
type Source interface {
	// Len returns the number of slices in the stack
	Len() int

	// Metadata returns the physical metadata of slice i without decoding pixels
	Metadata(i int) (models.SliceMetadata, error)

	// Frame decodes slice i. It must be safe for concurrent use.
	Frame(i int) (*models.Frame, error)
}

// Memory is a Source over frames held in memory.
type Memory struct {
	frames []*models.Frame
	meta   []models.SliceMetadata
}

// NewMemory pairs frames with their metadata. Both slices must have the same length.
func NewMemory(frames []*models.Frame, meta []models.SliceMetadata) (*Memory, error) {
	if len(frames) != len(meta) {
		return nil, fmt.Errorf("got %d frames but %d metadata records", len(frames), len(meta))
	}
	return &Memory{frames: frames, meta: meta}, nil
}

func (m *Memory) Len() int { return len(m.frames) }

func (m *Memory) Metadata(i int) (models.SliceMetadata, error) {
	if i < 0 || i >= len(m.meta) {
		return models.SliceMetadata{}, fmt.Errorf("slice %d out of range [0, %d)", i, len(m.meta))
	}
	return m.meta[i], nil
}

func (m *Memory) Frame(i int) (*models.Frame, error) {
	if i < 0 || i >= len(m.frames) {
		return nil, fmt.Errorf("slice %d out of range [0, %d)", i, len(m.frames))
	}
	if m.frames[i] == nil {
		return nil, fmt.Errorf("slice %d has no pixel data", i)
	}
	return m.frames[i], nil
}

// FrameFromImage converts any image into the 4 bytes/pixel layout used by the builder.
func FrameFromImage(img image.Image) *models.Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != 4*b.Dx() || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &models.Frame{Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}
}
