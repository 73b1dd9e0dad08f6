package dataloader

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/BenmansourYahia/SignLanguage-Project/vision/preprocessing"
)

// validationStream walks the validation partition once, in order
type validationStream struct {
	p       *Pipeline
	cursor  int
	emitted int
	closed  bool
}

// ValidationStream starts a finite pass over the validation partition. Images are rescaled but
// never augmented, and the batch contents do not depend on decode parallelism. The last batch
// may be short. Unreadable files are skipped and the batch is filled from the next samples.
func (p *Pipeline) ValidationStream() Stream {
	return &validationStream{p: p}
}

func (s *validationStream) Next(ctx context.Context) (*Batch, error) {
	if s.closed {
		return nil, io.EOF
	}

	p := s.p
	n := p.val.Len()
	bs := p.cfg.BatchSize

	images := make([]*preprocessing.ProcessedImage, 0, bs)
	labels := make([]int, 0, bs)

	for len(labels) < bs && s.cursor < n {
		start := s.cursor
		end := min(start+bs-len(labels), n)

		decoded := make([]*preprocessing.ProcessedImage, end-start)
		classes := make([]int, end-start)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Workers)
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				path, label, err := p.val.GetItem(i)
				if err != nil {
					return fmt.Errorf("validation sample %d: %w", i, err)
				}
				img, err := p.load(path)
				if err != nil {
					p.skip(path, err)
					return nil
				}
				decoded[i-start] = img
				classes[i-start] = label
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, img := range decoded {
			if img == nil {
				continue
			}
			images = append(images, img)
			labels = append(labels, classes[i])
		}
		s.cursor = end
	}

	if len(labels) == 0 {
		if s.emitted == 0 {
			return nil, fmt.Errorf("validation partition: %w", ErrEmptyPartition)
		}
		return nil, io.EOF
	}

	batch := newBatch(len(labels), p.cfg.ImageSize)
	for i, img := range images {
		p.rescaleInto(batch.image(i), img)
	}
	copy(batch.Labels, labels)
	s.emitted += len(labels)
	return batch, nil
}

func (s *validationStream) Close() error {
	s.closed = true
	return nil
}
