// Package dataloader turns dataset partitions into batches: an infinite augmented training
// stream and a deterministic validation stream.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/BenmansourYahia/SignLanguage-Project/vision/augment"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/preprocessing"
)

// ErrEmptyPartition is returned when a partition has no readable samples
var ErrEmptyPartition = errors.New("partition has no readable samples")

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Sample is one rescaled image and its class label
type Sample struct {
	Image []float32 // CHW, values in [0, 1]
	Label int
}

// Batch is a group of samples laid out as one NCHW tensor. A batch is freshly allocated for
// every emission and is not modified after it is handed out.
type Batch struct {
	Images    []float32
	Labels    []int
	Size      int
	ImageSize int
}

func newBatch(n, imageSize int) *Batch {
	return &Batch{
		Images:    make([]float32, n*preprocessing.Channels*imageSize*imageSize),
		Labels:    make([]int, n),
		Size:      n,
		ImageSize: imageSize,
	}
}

func (b *Batch) image(i int) []float32 {
	stride := preprocessing.Channels * b.ImageSize * b.ImageSize
	return b.Images[i*stride : (i+1)*stride]
}

// Sample returns the i-th sample of the batch; the image aliases the batch buffer
func (b *Batch) Sample(i int) Sample {
	return Sample{Image: b.image(i), Label: b.Labels[i]}
}

// Stream yields batches until it is exhausted (io.EOF) or closed
type Stream interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// Config holds configuration for a Pipeline
type Config struct {
	BatchSize     int
	ImageSize     int
	Workers       int     // Number of parallel decode/augment workers (default: 4)
	PrefetchDepth int     // Training batches prepared ahead of the consumer (default: 3)
	MaxCacheSize  int     // Maximum number of decoded images to cache (default: every sample)
	RescaleFactor float32 // Applied after augmentation (default: 1/255)
	Augment       augment.Config
}

// Pipeline produces training and validation streams over two partitions that share one decoded
// image cache
type Pipeline struct {
	train  Dataset
	val    Dataset
	cfg    Config
	logger logrus.FieldLogger

	processor   *preprocessing.ImageProcessor
	transformer *augment.Transformer
	cache       *CacheManager

	mu       sync.Mutex
	badTrain map[int]struct{}
	skipped  map[string]struct{}
}

// NewPipeline validates the partitions and configuration and prepares the shared cache
func NewPipeline(train, val Dataset, cfg Config, logger logrus.FieldLogger) (*Pipeline, error) {
	if train == nil || train.Len() == 0 {
		return nil, fmt.Errorf("training partition: %w", ErrEmptyPartition)
	}
	if val == nil || val.Len() == 0 {
		return nil, fmt.Errorf("validation partition: %w", ErrEmptyPartition)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", cfg.ImageSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 3
	}
	if cfg.MaxCacheSize == 0 {
		cfg.MaxCacheSize = train.Len() + val.Len()
	}
	if cfg.RescaleFactor == 0 {
		cfg.RescaleFactor = 1.0 / 255.0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	transformer, err := augment.NewTransformer(cfg.Augment)
	if err != nil {
		return nil, fmt.Errorf("invalid augmentation config: %w", err)
	}

	return &Pipeline{
		train:       train,
		val:         val,
		cfg:         cfg,
		logger:      logger,
		processor:   preprocessing.NewImageProcessor(cfg.ImageSize),
		transformer: transformer,
		cache:       NewCacheManager(cfg.MaxCacheSize),
		badTrain:    make(map[int]struct{}),
		skipped:     make(map[string]struct{}),
	}, nil
}

// StepsPerEpoch is the number of training batches that make up one epoch
func (p *Pipeline) StepsPerEpoch() int {
	return ceilDiv(p.train.Len(), p.cfg.BatchSize)
}

// ValidationSteps is the number of batches in one validation pass
func (p *Pipeline) ValidationSteps() int {
	return ceilDiv(p.val.Len(), p.cfg.BatchSize)
}

// TrainLen returns the number of training samples
func (p *Pipeline) TrainLen() int {
	return p.train.Len()
}

// ValidationLen returns the number of validation samples
func (p *Pipeline) ValidationLen() int {
	return p.val.Len()
}

// BatchSize returns the configured batch size
func (p *Pipeline) BatchSize() int {
	return p.cfg.BatchSize
}

// ImageSize returns the side length of emitted images
func (p *Pipeline) ImageSize() int {
	return p.cfg.ImageSize
}

// CacheStats returns statistics of the shared image cache
func (p *Pipeline) CacheStats() CacheStats {
	return p.cache.Stats()
}

// Skipped returns the number of distinct unreadable files encountered so far
func (p *Pipeline) Skipped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.skipped)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// load returns the decoded base image for path, from the cache when possible
func (p *Pipeline) load(path string) (*preprocessing.ProcessedImage, error) {
	if img, ok := p.cache.Get(path); ok {
		return img, nil
	}
	img, err := p.processor.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	p.cache.Put(path, img)
	return img, nil
}

// skip records an unreadable file, logging it the first time it is seen
func (p *Pipeline) skip(path string, err error) {
	p.mu.Lock()
	_, seen := p.skipped[path]
	p.skipped[path] = struct{}{}
	p.mu.Unlock()

	if !seen {
		p.logger.WithFields(logrus.Fields{
			"path":  path,
			"error": err,
		}).Warn("Skipping unreadable image")
	}
}

// rescaleInto writes img scaled by the configured factor into dst
func (p *Pipeline) rescaleInto(dst []float32, img *preprocessing.ProcessedImage) {
	preprocessing.Rescale(dst, img.Data, p.cfg.RescaleFactor)
}

// drawReadable picks a training index uniformly among samples not known to be unreadable
func (p *Pipeline) drawReadable(rng *rand.Rand) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.train.Len()
	if len(p.badTrain) >= n {
		return 0, fmt.Errorf("training partition: %w", ErrEmptyPartition)
	}
	k := rng.Intn(n - len(p.badTrain))
	for i := 0; i < n; i++ {
		if _, bad := p.badTrain[i]; bad {
			continue
		}
		if k == 0 {
			return i, nil
		}
		k--
	}
	return 0, fmt.Errorf("training partition: %w", ErrEmptyPartition)
}

func (p *Pipeline) isBadTrain(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, bad := p.badTrain[index]
	return bad
}

func (p *Pipeline) markBadTrain(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badTrain[index] = struct{}{}
}
