package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"ctslicesto3d/internal/logger"
	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/catalog"
	"ctslicesto3d/pkg/config"
	"ctslicesto3d/pkg/reconstruction"
	"ctslicesto3d/pkg/source"
	"ctslicesto3d/pkg/visualization"
)

var (
	flagConfig     = flag.String("config", "ctslicesto3d.yaml", "Path to config file")
	flagInitConfig = flag.Bool("init-config", false, "Write a default config file to -config and exit")
	flagInput      = flag.String("input", "", "Directory containing CT slice images and "+source.ManifestName)
	flagOutput     = flag.String("output", "", "Directory for extracted slices and reports")
	flagWorkers    = flag.Int("workers", 0, "Number of slices processed concurrently")
	flagThreshold  = flag.Float64("threshold", 0, "Intensity threshold for tissue points")
	flagMin        = flag.Int("min", 0, "First slice to process")
	flagMax        = flag.Int("max", 0, "Slice after the last one to process (0 = all)")
	flagROI        = flag.String("roi", "", "Region of interest as x,y,width,height in pixels")
	flagFront      = flag.Int("clip-front", 0, "Slices hidden at the front of the volume")
	flagBack       = flag.Int("clip-back", 0, "Slices hidden at the back of the volume")
	flagPlane      = flag.String("plane", "", "Oblique slice to extract as x,z,angleYZ,angleXY (angles in degrees)")
	flagSweep      = flag.Int("sweep", 0, "Number of slices to extract in a sweep across X")
	flagProbe      = flag.String("probe", "", "Report the stored point nearest to x,y,z")
	flagHistogram  = flag.Bool("histogram", true, "Save an intensity histogram")
	flagCatalog    = flag.String("catalog", "", "SQLite catalog of render sessions")
	flagSessions   = flag.Int("list-sessions", 0, "List the N most recent sessions in the catalog and exit")
	flagDebug      = flag.Bool("debug", false, "Enable debug logging")
	flagLogFile    = flag.String("log-file", "", "Also write logs to this rotating file")
	flagQuiet      = flag.Bool("quiet", false, "Do not print per-slice progress")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *config.Config) {
	if *flagWorkers > 0 {
		cfg.Processing.NumWorkers = *flagWorkers
	}
	if flagPassed("threshold") {
		cfg.Processing.IntensityThreshold = *flagThreshold
	}
	if *flagOutput != "" {
		cfg.Output.Dir = *flagOutput
	}
	if *flagQuiet {
		cfg.Output.Verbose = false
	}
	if *flagCatalog != "" {
		cfg.Catalog.Path = *flagCatalog
	}
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagLogFile != "" {
		cfg.Logging.File = *flagLogFile
	}
}

// flagPassed reports whether name was set on the command line, so an explicit
// zero still overrides the config.
func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func run() error {
	if *flagInitConfig {
		if err := config.CreateDefaultConfigFile(*flagConfig); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", *flagConfig)
		return nil
	}

	cfg, err := config.LoadConfig(*flagConfig)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Log

	var cat *catalog.Catalog
	if cfg.Catalog.Path != "" {
		cat, err = catalog.Open(cfg.Catalog.Path, log)
		if err != nil {
			return err
		}
		defer cat.Close()
	}

	if *flagSessions > 0 {
		if cat == nil {
			return errors.New("-list-sessions needs a catalog")
		}
		return listSessions(cat, *flagSessions)
	}

	if *flagInput == "" {
		flag.Usage()
		return errors.New("-input is required")
	}
	roi, err := parseROI(*flagROI)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	src, err := source.OpenDirectory(*flagInput)
	if err != nil {
		return err
	}
	log.Info("opened slice directory", zap.String("dir", *flagInput), zap.Int("slices", src.Len()))

	sliceRange := models.SliceRange{Min: *flagMin, Max: *flagMax}
	params := &reconstruction.Params{
		Range:              sliceRange,
		ROI:                roi,
		NumWorkers:         cfg.Processing.NumWorkers,
		IntensityThreshold: &cfg.Processing.IntensityThreshold,
		Logger:             log,
	}
	if cfg.Output.Verbose {
		params.OnProgress = func(p models.Progress) {
			fmt.Printf("%s: %d/%d (%.0f%%)\n", p.Step, p.Current, p.Total, p.Percentage())
		}
	}

	fmt.Println("Building point cloud...")
	startTime := time.Now()
	reconstructor := reconstruction.NewReconstructor(params)
	store, err := reconstructor.Build(ctx, src)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	geom := reconstructor.Geometry()

	session := newRenderSession(store, geom, cfg.Slicing.ThicknessThreshold, cfg.Slicing.Debounce, cat, log)
	defer session.Close()
	if err := session.record(*flagInput, sliceRange, roi, cfg.Processing.IntensityThreshold, geom); err != nil {
		return err
	}

	metrics := reconstructor.Metrics()
	fmt.Printf("\nPoint cloud built in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Slices: %d (%dx%d pixels)\n", geom.TotalSlices, geom.Width, geom.Height)
	fmt.Printf("Physical size: %.1f x %.1f x %.1f mm\n", geom.PhysicalWidth, geom.PhysicalHeight, geom.PhysicalDepth)
	fmt.Printf("Scale: %.3f x %.3f x %.3f\n", geom.ScaleX, geom.ScaleY, geom.ScaleZ)
	fmt.Printf("Points: %d\n", metrics.Points)
	fmt.Printf("Intensity: mean %.3f, stddev %.3f, median %.3f\n",
		metrics.MeanIntensity, metrics.StdDevIntensity, metrics.MedianIntensity)
	if session.id != "" {
		fmt.Printf("Session: %s\n", session.id)
	}

	if *flagFront != 0 || *flagBack != 0 {
		front, back, err := session.setClip(*flagFront, *flagBack)
		if err != nil {
			return err
		}
		fmt.Printf("Clip range: front %d, back %d, %d points visible\n", front, back, len(store.RenderData().Indices))
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return err
	}

	if *flagPlane != "" {
		plane, err := parsePlane(*flagPlane)
		if err != nil {
			return err
		}
		img, err := session.slice(ctx, plane)
		if err != nil {
			return fmt.Errorf("slice extraction failed: %w", err)
		}
		path := filepath.Join(cfg.Output.Dir, "oblique_slice.png")
		if err := visualization.SaveSlice(img, path); err != nil {
			return err
		}
		fmt.Printf("Oblique slice saved to: %s\n", path)
	}

	if *flagSweep > 0 {
		var plane visualization.Plane
		if *flagPlane != "" {
			plane, _ = parsePlane(*flagPlane)
		}
		dir := filepath.Join(cfg.Output.Dir, "slices")
		files, err := session.viewer.SaveSliceSequence(ctx, plane, *flagSweep, dir)
		if err != nil {
			return fmt.Errorf("slice sweep failed: %w", err)
		}
		fmt.Printf("Saved %d slices to: %s\n", len(files), dir)
	}

	if *flagHistogram && cfg.Output.HistogramBins > 0 && store.Len() > 0 {
		path := filepath.Join(cfg.Output.Dir, "intensity_histogram.png")
		if err := visualization.SaveIntensityHistogram(store, path, cfg.Output.HistogramBins); err != nil {
			log.Warn("failed to save histogram", zap.Error(err))
		} else {
			fmt.Printf("Intensity histogram saved to: %s\n", path)
		}
	}

	if *flagProbe != "" {
		v, err := parseFloats(*flagProbe, 3)
		if err != nil {
			return err
		}
		idx, dist, ok, err := store.Nearest(mgl32.Vec3{float32(v[0]), float32(v[1]), float32(v[2])})
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Probe: point cloud is empty")
		} else {
			p, intensity, slice, err := store.Point(idx)
			if err != nil {
				return err
			}
			first, _ := sliceRange.Resolve(src.Len())
			fmt.Printf("Probe: nearest point %d at (%.4f, %.4f, %.4f), slice %d, intensity %.3f, distance %.4f\n",
				idx, p[0], p[1], p[2], first+slice, intensity, dist)
		}
	}

	return nil
}

func listSessions(cat *catalog.Catalog, n int) error {
	sessions, err := cat.ListSessions(n)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}
	for _, s := range sessions {
		state := "open"
		if s.ClosedAt != nil {
			state = "closed " + s.ClosedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %s  %s  slices=%d points=%d clip=%d/%d  %s\n",
			s.ID, s.CreatedAt.Format(time.RFC3339), s.SourceDir, s.TotalSlices, s.Points, s.ClipFront, s.ClipBack, state)
	}
	return nil
}
