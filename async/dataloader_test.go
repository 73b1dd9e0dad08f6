package async

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource plans sequence numbers up to limit and renders them with a random delay so
// that workers finish out of order
type countingSource struct {
	limit    uint64
	rendered atomic.Int64
}

func (s *countingSource) plan(seq uint64) (uint64, error) {
	if s.limit > 0 && seq >= s.limit {
		return 0, io.EOF
	}
	return seq, nil
}

func (s *countingSource) render(ctx context.Context, seq uint64) (uint64, error) {
	delay := time.Duration(rand.Intn(3)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	s.rendered.Add(1)
	return seq * 10, nil
}

func TestNewPrefetcherDefaults(t *testing.T) {
	src := &countingSource{limit: 1}
	p, err := NewPrefetcher(src.plan, src.render, Config{})
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 3, stats.QueueCapacity)
	assert.Equal(t, 2, stats.Workers)
	assert.False(t, stats.IsRunning)

	_, err = NewPrefetcher[uint64, uint64](nil, src.render, Config{})
	assert.Error(t, err)
}

func TestPrefetcherPreservesOrder(t *testing.T) {
	src := &countingSource{limit: 50}
	p, err := NewPrefetcher(src.plan, src.render, Config{PrefetchDepth: 4, Workers: 4})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	ctx := context.Background()
	for i := uint64(0); i < 50; i++ {
		v, err := p.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i*10, v)
	}

	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(50), p.Stats().BatchesDelivered)
}

func TestPrefetcherIsBounded(t *testing.T) {
	src := &countingSource{} // infinite
	p, err := NewPrefetcher(src.plan, src.render, Config{PrefetchDepth: 2, Workers: 1})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	stats := p.Stats()
	// two queued slots plus at most one handed to the worker
	assert.LessOrEqual(t, stats.BatchesPlanned, uint64(3))

	require.NoError(t, p.Stop())
	assert.False(t, p.Stats().IsRunning)
}

func TestPrefetcherRenderError(t *testing.T) {
	boom := errors.New("boom")
	plan := func(seq uint64) (int, error) { return int(seq), nil }
	render := func(_ context.Context, v int) (int, error) {
		if v == 2 {
			return 0, boom
		}
		return v, nil
	}

	p, err := NewPrefetcher(plan, render, Config{PrefetchDepth: 2, Workers: 2})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		v, err := p.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestPrefetcherPlanError(t *testing.T) {
	bad := errors.New("no samples")
	plan := func(seq uint64) (int, error) {
		if seq == 1 {
			return 0, bad
		}
		return int(seq), nil
	}
	render := func(_ context.Context, v int) (int, error) { return v, nil }

	p, err := NewPrefetcher(plan, render, Config{})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	_, err = p.Next(context.Background())
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	assert.ErrorIs(t, err, bad)
	_, err = p.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestPrefetcherStop(t *testing.T) {
	src := &countingSource{}
	p, err := NewPrefetcher(src.plan, src.render, Config{})
	require.NoError(t, err)

	assert.Error(t, func() error { _, err := p.Next(context.Background()); return err }(),
		"Next before Start fails")

	require.NoError(t, p.Start(context.Background()))
	_, err = p.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "Stop is idempotent")

	_, err = p.Next(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, p.Start(context.Background()), "a stopped prefetcher cannot restart")
}

func TestPrefetcherConsumerCancellation(t *testing.T) {
	plan := func(seq uint64) (int, error) { return int(seq), nil }
	release := make(chan struct{})
	render := func(ctx context.Context, v int) (int, error) {
		select {
		case <-release:
			return v, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	p, err := NewPrefetcher(plan, render, Config{PrefetchDepth: 1, Workers: 1})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
