package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/BenmansourYahia/SignLanguage-Project/vision/preprocessing"
)

var (
	// ErrCorpusNotFound is returned when the corpus root does not exist or is not a directory
	ErrCorpusNotFound = errors.New("corpus root not found")
	// ErrEmptyCorpus is returned when no image could be enumerated under the corpus root
	ErrEmptyCorpus = errors.New("corpus contains no images")
)

// DefaultExtensions lists the raster formats the reader enumerates
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classes    *ClassIndex
	// expected holds class names reported with zero samples when absent or empty
	expected []string
}

type options struct {
	extensions []string
	expected   []string
	logger     logrus.FieldLogger
}

// Option configures NewImageFolderDataset
type Option func(*options)

// WithExtensions restricts enumeration to the given file extensions
func WithExtensions(extensions ...string) Option {
	return func(o *options) {
		o.extensions = extensions
	}
}

// WithExpectedClasses limits the corpus to a known set of class names.
// Directories outside the set are ignored; expected classes without a directory report zero samples.
func WithExpectedClasses(names ...string) Option {
	return func(o *options) {
		o.expected = names
	}
}

// WithLogger sets the logger used for enumeration warnings
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewImageFolderDataset creates a dataset from a directory structure
func NewImageFolderDataset(root string, opts ...Option) (*ImageFolderDataset, error) {
	o := options{
		extensions: DefaultExtensions,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorpusNotFound, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrCorpusNotFound, root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	allowed := make(map[string]bool, len(o.expected))
	for _, name := range o.expected {
		allowed[name] = true
	}

	var classNames []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(allowed) > 0 && !allowed[name] {
			o.logger.WithField("class", name).Warn("ignoring directory outside the expected class set")
			continue
		}
		classNames = append(classNames, name)
	}
	sort.Strings(classNames)

	extSet := make(map[string]bool, len(o.extensions))
	for _, ext := range o.extensions {
		extSet[strings.ToLower(ext)] = true
	}

	dataset := &ImageFolderDataset{
		root:     root,
		expected: append([]string(nil), o.expected...),
	}

	var observed []string
	for _, className := range classNames {
		files, err := listImages(filepath.Join(root, className), extSet)
		if err != nil {
			return nil, fmt.Errorf("failed to list images of class %s: %w", className, err)
		}
		if len(files) == 0 {
			o.logger.WithField("class", className).Warn("class directory contains no images")
			dataset.expected = append(dataset.expected, className)
			continue
		}

		classIdx := len(observed)
		observed = append(observed, className)
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCorpus, root)
	}

	dataset.classes = NewClassIndex(observed)
	return dataset, nil
}

// listImages returns the sorted image files of a class directory
func listImages(dir string, extSet map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if extSet[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Root returns the corpus root directory
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Classes returns the class index map shared by every subset of this dataset
func (d *ImageFolderDataset) Classes() *ClassIndex {
	return d.classes
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return d.classes.Len()
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classes.Names()
}

// ClassDistribution returns the distribution of samples per class.
// Expected classes that were absent from the corpus are reported with a count of zero.
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, name := range d.expected {
		dist[name] = 0
	}
	for _, name := range d.classes.Names() {
		dist[name] = 0
	}
	for _, label := range d.labels {
		dist[d.classes.Name(label)]++
	}
	return dist
}

// Verify decodes every image and drops the ones that cannot be read.
// The unreadable paths are returned; each is logged as a warning and does not fail verification.
func (d *ImageFolderDataset) Verify(ctx context.Context, workers int, logger logrus.FieldLogger) ([]string, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if workers <= 0 {
		workers = 1
	}

	processor := preprocessing.NewImageProcessor(1)
	bad := make([]bool, len(d.imagePaths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range d.imagePaths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := processor.DecodeFile(path); err != nil {
				bad[i] = true
				logger.WithError(err).WithField("path", path).Warn("skipping unreadable image")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var skipped []string
	keptPaths := d.imagePaths[:0:0]
	keptLabels := d.labels[:0:0]
	for i, path := range d.imagePaths {
		if bad[i] {
			skipped = append(skipped, path)
			continue
		}
		keptPaths = append(keptPaths, path)
		keptLabels = append(keptLabels, d.labels[i])
	}
	if len(keptPaths) == 0 {
		return skipped, fmt.Errorf("%w: every image under %s is unreadable", ErrEmptyCorpus, d.root)
	}

	d.imagePaths = keptPaths
	d.labels = keptLabels
	return skipped, nil
}

// Partition splits the dataset into training and validation subsets.
// Each class is split independently: the first floor(fraction*n) files of the class (in sorted order)
// form its validation share, the remainder its training share. The assignment is deterministic.
func (d *ImageFolderDataset) Partition(validationFraction float64) (train, validation *ImageFolderDataset, err error) {
	if validationFraction < 0 || validationFraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in [0, 1), got %v", validationFraction)
	}

	byClass := make([][]int, d.classes.Len())
	for i, label := range d.labels {
		byClass[label] = append(byClass[label], i)
	}

	var trainIdx, valIdx []int
	for _, indices := range byClass {
		cut := int(validationFraction * float64(len(indices)))
		valIdx = append(valIdx, indices[:cut]...)
		trainIdx = append(trainIdx, indices[cut:]...)
	}

	return d.Subset(trainIdx), d.Subset(valIdx), nil
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classes:    d.classes,
		expected:   d.expected,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), d.classes.Len()))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	names := make([]string, 0, len(dist))
	for name := range dist {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, className := range names {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}
