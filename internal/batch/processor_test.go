package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethanolivertroy/cvechain/internal/metrics"
)

func double(ctx context.Context, chunk []int) ([]int, error) {
	out := make([]int, len(chunk))
	for i, v := range chunk {
		out[i] = v * 2
	}
	return out, nil
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestChunks(t *testing.T) {
	assert.Nil(t, Chunks([]int{}, 3))
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}, Chunks(seq(7), 3))
	assert.Equal(t, [][]int{{0, 1}}, Chunks(seq(2), 10))

	chunks := Chunks(seq(4), 2)
	chunks[0] = append(chunks[0], 99)
	assert.Equal(t, []int{2, 3}, chunks[1], "appending to a chunk must not overwrite the next")
}

func TestRunMultipleChunks(t *testing.T) {
	p := New[int, int](10, 4, zap.NewNop(), nil)

	results, stats := p.Run(context.Background(), seq(95), double)

	require.Len(t, results, 95)
	for i, v := range results {
		assert.Equal(t, i*2, v)
	}
	assert.Equal(t, Stats{Items: 95, Chunks: 10, Results: 95}, stats)
}

func TestRunSingleChunkInline(t *testing.T) {
	p := New[int, int](100, 4, zap.NewNop(), nil)

	var calls atomic.Int32
	results, stats := p.Run(context.Background(), seq(5), func(ctx context.Context, chunk []int) ([]int, error) {
		calls.Add(1)
		return double(ctx, chunk)
	})

	assert.Equal(t, []int{0, 2, 4, 6, 8}, results)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, stats.Chunks)
}

func TestRunEmpty(t *testing.T) {
	p := New[int, int](10, 4, zap.NewNop(), nil)
	results, stats := p.Run(context.Background(), nil, double)
	assert.Nil(t, results)
	assert.Equal(t, Stats{}, stats)
}

func TestFailedChunkIsDropped(t *testing.T) {
	m := metrics.New()
	p := New[int, int](10, 3, zap.NewNop(), m)

	results, stats := p.Run(context.Background(), seq(40), func(ctx context.Context, chunk []int) ([]int, error) {
		switch chunk[0] {
		case 10:
			return nil, errors.New("boom")
		case 30:
			panic("unexpected")
		}
		return double(ctx, chunk)
	})

	assert.Equal(t, 2, stats.FailedChunks)
	assert.Equal(t, 20, stats.Results)
	require.Len(t, results, 20)
	assert.Equal(t, 0, results[0])
	assert.Equal(t, 40, results[10], "third chunk follows the first")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.FailedChunks))
}

func TestSingleChunkFailure(t *testing.T) {
	p := New[int, int](10, 3, zap.NewNop(), nil)
	results, stats := p.Run(context.Background(), seq(3), func(ctx context.Context, chunk []int) ([]int, error) {
		return nil, errors.New("boom")
	})
	assert.Nil(t, results)
	assert.Equal(t, 1, stats.FailedChunks)
}

func TestWorkerLimit(t *testing.T) {
	p := New[int, int](1, 3, zap.NewNop(), nil)

	var active, peak atomic.Int32
	_, stats := p.Run(context.Background(), seq(12), func(ctx context.Context, chunk []int) ([]int, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return chunk, nil
	})

	assert.Equal(t, 12, stats.Results)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestCancelledRunSkipsChunks(t *testing.T) {
	p := New[int, int](1, 2, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, stats := p.Run(ctx, seq(4), double)
	assert.Empty(t, results)
	assert.Equal(t, 4, stats.FailedChunks)
}
