package reconstruction

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"ctslicesto3d/pkg/pointcloud"
)

// Metrics summarizes a built point cloud.
type Metrics struct {
	// Points is the number of stored points
	Points int

	// Threshold is the intensity cutoff the build used
	Threshold float64

	// Intensity statistics over every stored point
	MeanIntensity   float64
	StdDevIntensity float64
	MedianIntensity float64
	MinIntensity    float64
	MaxIntensity    float64

	// SliceCounts holds the points contributed by each slice of the range
	SliceCounts []int
}

// calculateMetrics computes intensity statistics of the store
func calculateMetrics(store *pointcloud.Store, threshold float64) Metrics {
	m := Metrics{
		Threshold:   threshold,
		SliceCounts: store.SliceCounts(),
	}

	values := store.Intensities()
	m.Points = len(values)
	if m.Points == 0 {
		return m
	}

	m.MeanIntensity, m.StdDevIntensity = stat.MeanStdDev(values, nil)
	if m.Points == 1 {
		m.StdDevIntensity = 0
	}

	sort.Float64s(values)
	m.MedianIntensity = stat.Quantile(0.5, stat.Empirical, values, nil)
	m.MinIntensity = values[0]
	m.MaxIntensity = values[len(values)-1]
	return m
}
