package dataloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/BenmansourYahia/SignLanguage-Project/async"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/augment"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/preprocessing"
)

var errKnownBad = errors.New("sample previously failed to decode")

// trainPlan is everything random about one training batch, drawn up front so that rendering
// can happen on any worker without touching the stream's random source
type trainPlan struct {
	indices []int
	params  []augment.Params
	seed    int64 // seeds backfill draws for samples that turn out to be unreadable
}

// trainingStream wraps a prefetcher rendering augmented batches
type trainingStream struct {
	prefetcher *async.Prefetcher[trainPlan, *Batch]
}

// TrainingStream starts an infinite stream of augmented training batches. Samples are drawn
// with replacement; each call starts a fresh stream from seed. The stream's goroutines run until
// Close or until ctx is cancelled.
func (p *Pipeline) TrainingStream(ctx context.Context, seed int64) (Stream, error) {
	rng := rand.New(rand.NewSource(seed))
	n := p.train.Len()
	size := p.cfg.ImageSize

	plan := func(seq uint64) (trainPlan, error) {
		tp := trainPlan{
			indices: make([]int, p.cfg.BatchSize),
			params:  make([]augment.Params, p.cfg.BatchSize),
		}
		for i := range tp.indices {
			tp.indices[i] = rng.Intn(n)
			tp.params[i] = p.transformer.Draw(rng, size, size)
		}
		tp.seed = rng.Int63()
		return tp, nil
	}

	prefetcher, err := async.NewPrefetcher(plan, p.renderTraining, async.Config{
		PrefetchDepth: p.cfg.PrefetchDepth,
		Workers:       p.cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	if err := prefetcher.Start(ctx); err != nil {
		return nil, err
	}
	return &trainingStream{prefetcher: prefetcher}, nil
}

func (s *trainingStream) Next(ctx context.Context) (*Batch, error) {
	return s.prefetcher.Next(ctx)
}

func (s *trainingStream) Close() error {
	return s.prefetcher.Stop()
}

// renderTraining decodes, augments and rescales every sample of a plan. Unreadable samples are
// replaced by fresh draws from the readable remainder of the partition.
func (p *Pipeline) renderTraining(ctx context.Context, plan trainPlan) (*Batch, error) {
	size := p.cfg.ImageSize
	batch := newBatch(len(plan.indices), size)

	var backfill *rand.Rand
	for k, index := range plan.indices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := plan.params[k]
		img, label, err := p.loadTraining(index)
		for err != nil {
			if backfill == nil {
				backfill = rand.New(rand.NewSource(plan.seed))
			}
			index, err = p.drawReadable(backfill)
			if err != nil {
				return nil, err
			}
			params = p.transformer.Draw(backfill, size, size)
			img, label, err = p.loadTraining(index)
		}

		p.rescaleInto(batch.image(k), augment.Apply(img, params))
		batch.Labels[k] = label
	}

	return batch, nil
}

func (p *Pipeline) loadTraining(index int) (*preprocessing.ProcessedImage, int, error) {
	if p.isBadTrain(index) {
		return nil, 0, errKnownBad
	}
	path, label, err := p.train.GetItem(index)
	if err != nil {
		p.markBadTrain(index)
		return nil, 0, fmt.Errorf("training sample %d: %w", index, err)
	}
	img, err := p.load(path)
	if err != nil {
		p.markBadTrain(index)
		p.skip(path, err)
		return nil, 0, err
	}
	return img, label, nil
}
