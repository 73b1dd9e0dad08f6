package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenmansourYahia/SignLanguage-Project/internal/corpustest"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/augment"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataset"
)

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

// sliceDataset is an in-memory Dataset over explicit paths
type sliceDataset struct {
	paths  []string
	labels []int
}

func (d *sliceDataset) Len() int { return len(d.paths) }

func (d *sliceDataset) GetItem(i int) (string, int, error) {
	if i < 0 || i >= len(d.paths) {
		return "", 0, fmt.Errorf("index %d out of range", i)
	}
	return d.paths[i], d.labels[i], nil
}

// partitions builds a 3-class corpus with perClass images and splits it 80/20
func partitions(t *testing.T, perClass int) (train, val *dataset.ImageFolderDataset) {
	t.Helper()
	root := corpustest.WriteCorpus(t, t.TempDir(), []string{"A", "B", "C"}, perClass, 12)
	ds, err := dataset.NewImageFolderDataset(root, dataset.WithLogger(quietLogger()))
	require.NoError(t, err)
	train, val, err = ds.Partition(0.2)
	require.NoError(t, err)
	return train, val
}

func testConfig(batch int) Config {
	return Config{
		BatchSize: batch,
		ImageSize: 8,
		Workers:   3,
		Augment:   augment.DefaultConfig(),
	}
}

func drain(t *testing.T, s Stream) []*Batch {
	t.Helper()
	var batches []*Batch
	for {
		b, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return batches
		}
		require.NoError(t, err)
		batches = append(batches, b)
	}
}

func assertUnitRange(t *testing.T, b *Batch) {
	t.Helper()
	for _, v := range b.Images {
		if v < 0 || v > 1 {
			t.Fatalf("pixel value %v outside [0, 1]", v)
		}
	}
}

func TestNewPipeline(t *testing.T) {
	train, val := partitions(t, 20)

	t.Run("Steps", func(t *testing.T) {
		p, err := NewPipeline(train, val, testConfig(4), quietLogger())
		require.NoError(t, err)
		assert.Equal(t, 12, p.StepsPerEpoch())
		assert.Equal(t, 3, p.ValidationSteps())
		assert.Equal(t, 48, p.TrainLen())
		assert.Equal(t, 12, p.ValidationLen())

		p, err = NewPipeline(train, val, testConfig(5), quietLogger())
		require.NoError(t, err)
		assert.Equal(t, 10, p.StepsPerEpoch(), "steps round up")
	})

	t.Run("EmptyTraining", func(t *testing.T) {
		_, err := NewPipeline(&sliceDataset{}, val, testConfig(4), quietLogger())
		assert.ErrorIs(t, err, ErrEmptyPartition)
	})

	t.Run("EmptyValidation", func(t *testing.T) {
		_, err := NewPipeline(train, &sliceDataset{}, testConfig(4), quietLogger())
		assert.ErrorIs(t, err, ErrEmptyPartition)
	})

	t.Run("InvalidBatch", func(t *testing.T) {
		_, err := NewPipeline(train, val, testConfig(0), quietLogger())
		assert.Error(t, err)
	})
}

func TestValidationStream(t *testing.T) {
	train, val := partitions(t, 20)
	p, err := NewPipeline(train, val, testConfig(5), quietLogger())
	require.NoError(t, err)

	first := drain(t, p.ValidationStream())
	require.Len(t, first, 3)
	assert.Equal(t, []int{5, 5, 2}, []int{first[0].Size, first[1].Size, first[2].Size}, "last batch is short")

	var labels []int
	for _, b := range first {
		assertUnitRange(t, b)
		labels = append(labels, b.Labels...)
	}
	for i := 0; i < val.Len(); i++ {
		_, want, _ := val.GetItem(i)
		assert.Equal(t, want, labels[i], "sample %d keeps partition order", i)
	}

	t.Run("Deterministic", func(t *testing.T) {
		second := drain(t, p.ValidationStream())
		require.Len(t, second, len(first))
		for i := range first {
			assert.Equal(t, first[i].Images, second[i].Images)
			assert.Equal(t, first[i].Labels, second[i].Labels)
		}
	})

	t.Run("IndependentOfWorkers", func(t *testing.T) {
		cfg := testConfig(5)
		cfg.Workers = 1
		serial, err := NewPipeline(train, val, cfg, quietLogger())
		require.NoError(t, err)
		again := drain(t, serial.ValidationStream())
		require.Len(t, again, len(first))
		for i := range first {
			assert.Equal(t, first[i].Images, again[i].Images)
		}
	})

	t.Run("NotAugmented", func(t *testing.T) {
		path, _, err := val.GetItem(0)
		require.NoError(t, err)
		base, err := p.load(path)
		require.NoError(t, err)
		for i, v := range first[0].Sample(0).Image {
			assert.InDelta(t, base.Data[i]/255, v, 1e-6)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		s := p.ValidationStream()
		require.NoError(t, s.Close())
		_, err := s.Next(context.Background())
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestValidationStreamSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	root := corpustest.WriteCorpus(t, dir, []string{"A"}, 5, 8)
	broken := filepath.Join(root, "A", "broken.png")
	corpustest.WriteCorrupt(t, broken)

	good := filepath.Join(root, "A", "img_000.png")
	val := &sliceDataset{
		paths:  []string{good, broken, good, good, good},
		labels: []int{0, 1, 0, 0, 0},
	}

	logger, hook := test.NewNullLogger()
	p, err := NewPipeline(val, val, testConfig(2), logger)
	require.NoError(t, err)

	batches := drain(t, p.ValidationStream())
	total := 0
	for _, b := range batches {
		total += b.Size
		for _, label := range b.Labels {
			assert.Equal(t, 0, label, "the unreadable sample never reaches a batch")
		}
	}
	assert.Equal(t, 4, total)
	assert.Equal(t, 2, batches[0].Size, "batch is filled from the next samples")
	assert.Equal(t, 1, p.Skipped())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestValidationStreamAllUnreadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.png")
	corpustest.WriteCorrupt(t, path)
	val := &sliceDataset{paths: []string{path, path}, labels: []int{0, 0}}

	p, err := NewPipeline(val, val, testConfig(2), quietLogger())
	require.NoError(t, err)

	_, err = p.ValidationStream().Next(context.Background())
	assert.ErrorIs(t, err, ErrEmptyPartition)
}

func TestTrainingStream(t *testing.T) {
	train, val := partitions(t, 20)
	p, err := NewPipeline(train, val, testConfig(4), quietLogger())
	require.NoError(t, err)

	ctx := context.Background()
	stream, err := p.TrainingStream(ctx, 42)
	require.NoError(t, err)

	// the stream is infinite: pull more than one epoch
	var batches []*Batch
	for i := 0; i < p.StepsPerEpoch()*2+1; i++ {
		b, err := stream.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, b.Size)
		assert.Len(t, b.Images, 4*3*8*8)
		for _, label := range b.Labels {
			assert.True(t, label >= 0 && label < 3)
		}
		assertUnitRange(t, b)
		batches = append(batches, b)
	}
	require.NoError(t, stream.Close())

	t.Run("Reproducible", func(t *testing.T) {
		again, err := p.TrainingStream(ctx, 42)
		require.NoError(t, err)
		defer again.Close()
		for i := 0; i < 3; i++ {
			b, err := again.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, batches[i].Labels, b.Labels)
			assert.Equal(t, batches[i].Images, b.Images)
		}
	})

	t.Run("DifferentSeed", func(t *testing.T) {
		other, err := p.TrainingStream(ctx, 7)
		require.NoError(t, err)
		defer other.Close()
		b, err := other.Next(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, batches[0].Images, b.Images)
	})
}

func TestTrainingStreamBackfill(t *testing.T) {
	root := corpustest.WriteCorpus(t, t.TempDir(), []string{"A", "B"}, 3, 8)
	broken := filepath.Join(root, "B", "broken.png")
	corpustest.WriteCorrupt(t, broken)

	train := &sliceDataset{
		paths: []string{
			filepath.Join(root, "A", "img_000.png"),
			filepath.Join(root, "A", "img_001.png"),
			broken,
		},
		labels: []int{0, 0, 1},
	}

	p, err := NewPipeline(train, train, testConfig(6), quietLogger())
	require.NoError(t, err)

	ctx := context.Background()
	stream, err := p.TrainingStream(ctx, 1)
	require.NoError(t, err)
	defer stream.Close()

	for i := 0; i < 5; i++ {
		b, err := stream.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, b.Size, "batches stay full")
		for _, label := range b.Labels {
			assert.Equal(t, 0, label, "only readable samples are emitted")
		}
	}
	assert.Equal(t, 1, p.Skipped())
}

func TestTrainingStreamAllUnreadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.png")
	corpustest.WriteCorrupt(t, path)
	train := &sliceDataset{paths: []string{path, path, path}, labels: []int{0, 1, 2}}

	p, err := NewPipeline(train, train, testConfig(2), quietLogger())
	require.NoError(t, err)

	ctx := context.Background()
	stream, err := p.TrainingStream(ctx, 3)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrEmptyPartition)
}
