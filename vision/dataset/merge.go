package dataset

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/BenmansourYahia/SignLanguage-Project/vision/preprocessing"
)

// MergeSource is one input corpus of a merge
type MergeSource struct {
	// Name prefixes the merged file names; defaults to the base name of Dir
	Name string
	Dir  string
}

// MergeConfig configures Merge
type MergeConfig struct {
	Sources    []MergeSource
	Output     string
	TargetSize int
	Quality    int
	Workers    int
	Logger     logrus.FieldLogger
}

// MergeReport summarises a merge
type MergeReport struct {
	ClassCounts map[string]int
	Total       int
	Skipped     []string
}

// Merge combines several class-per-directory corpora into one canonical corpus.
// Every image is resized to TargetSize x TargetSize and re-encoded as JPEG under
// <Output>/<class>/<source>_<n>.jpg. Unreadable images are skipped with a warning.
func Merge(ctx context.Context, cfg MergeConfig) (*MergeReport, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("merge requires at least one source")
	}
	if cfg.TargetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", cfg.TargetSize)
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 95
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	extSet := make(map[string]bool, len(DefaultExtensions))
	for _, ext := range DefaultExtensions {
		extSet[ext] = true
	}

	// names prefix the output files, so they must be unique across sources
	sources := make([]MergeSource, len(cfg.Sources))
	names := make(map[string]string, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.Name == "" {
			src.Name = filepath.Base(filepath.Clean(src.Dir))
		}
		src.Name = strings.ReplaceAll(src.Name, string(filepath.Separator), "_")
		if prev, ok := names[src.Name]; ok {
			return nil, fmt.Errorf("sources %s and %s share the name %q; name them explicitly", prev, src.Dir, src.Name)
		}
		names[src.Name] = src.Dir
		sources[i] = src
	}
	cfg.Sources = sources

	classSet := make(map[string]bool)
	for _, src := range cfg.Sources {
		entries, err := os.ReadDir(src.Dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorpusNotFound, src.Dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				classSet[entry.Name()] = true
			}
		}
	}

	classes := make([]string, 0, len(classSet))
	for name := range classSet {
		classes = append(classes, name)
	}
	sort.Strings(classes)

	report := &MergeReport{ClassCounts: make(map[string]int, len(classes))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, className := range classes {
		g.Go(func() error {
			count, skipped, err := mergeClass(gctx, cfg, className, extSet)
			if err != nil {
				return err
			}
			mu.Lock()
			report.ClassCounts[className] = count
			report.Total += count
			report.Skipped = append(report.Skipped, skipped...)
			mu.Unlock()
			cfg.Logger.WithFields(logrus.Fields{"class": className, "images": count}).Info("merged class")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(report.Skipped)
	return report, nil
}

func mergeClass(ctx context.Context, cfg MergeConfig, className string, extSet map[string]bool) (int, []string, error) {
	outDir := filepath.Join(cfg.Output, className)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, nil, fmt.Errorf("failed to create output class directory: %w", err)
	}

	processor := preprocessing.NewImageProcessor(cfg.TargetSize)
	copied := 0
	var skipped []string

	for _, src := range cfg.Sources {
		classDir := filepath.Join(src.Dir, className)
		if _, err := os.Stat(classDir); err != nil {
			continue
		}
		files, err := listImages(classDir, extSet)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to list %s: %w", classDir, err)
		}

		for i, file := range files {
			if err := ctx.Err(); err != nil {
				return 0, nil, err
			}
			img, err := processor.DecodeFile(file)
			if err != nil {
				cfg.Logger.WithError(err).WithField("path", file).Warn("skipping unreadable image")
				skipped = append(skipped, file)
				continue
			}

			dst := filepath.Join(outDir, fmt.Sprintf("%s_%05d.jpg", src.Name, i))
			if err := writeJPEG(dst, img, cfg.Quality); err != nil {
				return 0, nil, err
			}
			copied++
		}
	}

	return copied, skipped, nil
}

func writeJPEG(path string, img *preprocessing.ProcessedImage, quality int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := jpeg.Encode(file, img.ToRGBA(), &jpeg.Options{Quality: quality}); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}
