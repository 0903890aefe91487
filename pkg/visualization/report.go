package visualization

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"ctslicesto3d/pkg/pointcloud"
)

// SaveIntensityHistogram plots the distribution of point intensities in
// store to filename. The image format follows the file extension.
func SaveIntensityHistogram(store *pointcloud.Store, filename string, bins int) error {
	if bins <= 0 {
		return fmt.Errorf("histogram bins must be positive, got %d", bins)
	}
	if store.Closed() {
		return pointcloud.ErrClosed
	}

	values := store.Intensities()
	if len(values) == 0 {
		return errors.New("no points to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Point Intensity (%d points)", len(values))
	p.X.Label.Text = "Intensity"
	p.Y.Label.Text = "Points"

	h, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return fmt.Errorf("failed to bin intensities: %w", err)
	}
	p.Add(h)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save histogram: %w", err)
	}
	return nil
}
