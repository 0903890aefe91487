package source

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"ctslicesto3d/internal/models"
)

// ManifestName is the file a Directory source reads slice metadata from.
const ManifestName = "series.yaml"

// Manifest describes the exported slices of one series.
//
// Series-wide values apply to every slice that does not set its own.
// A value missing at both levels is reported, never defaulted.
type Manifest struct {
	Series         int             `yaml:"series"`
	PixelSpacing   *float64        `yaml:"pixelSpacing,omitempty"`
	SliceThickness *float64        `yaml:"sliceThickness,omitempty"`
	Slices         []ManifestSlice `yaml:"slices"`
}

// ManifestSlice is one exported slice image.
type ManifestSlice struct {
	File           string   `yaml:"file"`
	Series         *int     `yaml:"series,omitempty"`
	Location       *float64 `yaml:"location"`
	PixelSpacing   *float64 `yaml:"pixelSpacing,omitempty"`
	SliceThickness *float64 `yaml:"sliceThickness,omitempty"`
}

// Directory is a Source over slice images in a directory, described by a
// series.yaml manifest. Images may be PNG, JPEG, BMP or TIFF.
type Directory struct {
	dir  string
	meta []models.SliceMetadata
}

// ReadManifest parses the manifest of dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// OpenDirectory reads the manifest of dir, checks every listed image header
// and orders the slices by ascending location.
func OpenDirectory(dir string) (*Directory, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if len(m.Slices) == 0 {
		return nil, fmt.Errorf("manifest in %s lists no slices", dir)
	}

	meta := make([]models.SliceMetadata, 0, len(m.Slices))
	for _, s := range m.Slices {
		series := m.Series
		if s.Series != nil {
			series = *s.Series
		}
		if series != m.Series {
			return nil, fmt.Errorf("%w: %s is in series %d, expected %d", ErrMixedSeries, s.File, series, m.Series)
		}

		cfg, err := decodeConfig(filepath.Join(dir, s.File))
		if err != nil {
			return nil, fmt.Errorf("failed to read header of %s: %w", s.File, err)
		}

		md := models.SliceMetadata{
			Rows:           cfg.Height,
			Columns:        cfg.Width,
			PixelSpacing:   firstSet(s.PixelSpacing, m.PixelSpacing),
			SliceLocation:  s.Location,
			SliceThickness: firstSet(s.SliceThickness, m.SliceThickness),
			SeriesNumber:   series,
			Filename:       s.File,
		}
		if err := md.Validate(); err != nil {
			return nil, fmt.Errorf("slice %s: %w", s.File, err)
		}
		meta = append(meta, md)
	}

	sort.SliceStable(meta, func(i, j int) bool {
		li, lj := *meta[i].SliceLocation, *meta[j].SliceLocation
		if li != lj {
			return li < lj
		}
		return extractNumber(meta[i].Filename) < extractNumber(meta[j].Filename)
	})

	return &Directory{dir: dir, meta: meta}, nil
}

func (d *Directory) Len() int { return len(d.meta) }

func (d *Directory) Metadata(i int) (models.SliceMetadata, error) {
	if i < 0 || i >= len(d.meta) {
		return models.SliceMetadata{}, fmt.Errorf("slice %d out of range [0, %d)", i, len(d.meta))
	}
	return d.meta[i], nil
}

func (d *Directory) Frame(i int) (*models.Frame, error) {
	md, err := d.Metadata(i)
	if err != nil {
		return nil, err
	}
	img, err := loadImage(filepath.Join(d.dir, md.Filename))
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", md.Filename, err)
	}
	return FrameFromImage(img), nil
}

func firstSet(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	return cfg, err
}

// loadImage loads an image from a file
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
