// Package batch splits large inputs into fixed-size chunks and processes
// them on a bounded worker pool.
package batch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/metrics"
)

// DefaultChunkSize is used when a processor is created with a size <= 0
const DefaultChunkSize = 1000

// Stats summarizes one Run
type Stats struct {
	Items        int
	Chunks       int
	FailedChunks int
	Results      int
}

// ChunkFunc processes one chunk. A returned error drops the chunk's results.
type ChunkFunc[T, R any] func(ctx context.Context, chunk []T) ([]R, error)

// Processor runs a ChunkFunc over chunks of its input
type Processor[T, R any] struct {
	chunkSize int
	workers   int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a processor. metrics may be nil.
func New[T, R any](chunkSize, workers int, logger *zap.Logger, m *metrics.Metrics) *Processor[T, R] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor[T, R]{
		chunkSize: chunkSize,
		workers:   workers,
		logger:    logger,
		metrics:   m,
	}
}

// Chunks splits items into consecutive slices of at most size elements.
// The slices share the backing array of items.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Run processes items chunk by chunk. With more than one chunk the chunks run
// concurrently on at most workers goroutines; a single chunk runs inline.
// A failing chunk is logged and left out of the merge, never stopping the
// others. Results keep chunk order. No deduplication happens across chunks.
func (p *Processor[T, R]) Run(ctx context.Context, items []T, fn ChunkFunc[T, R]) ([]R, Stats) {
	chunks := Chunks(items, p.chunkSize)
	stats := Stats{Items: len(items), Chunks: len(chunks)}

	if len(chunks) == 0 {
		return nil, stats
	}

	if len(chunks) == 1 {
		results, err := p.runChunk(ctx, 0, chunks[0], fn)
		if err != nil {
			p.chunkFailed(0, len(chunks[0]), err)
			stats.FailedChunks = 1
			return nil, stats
		}
		stats.Results = len(results)
		return results, stats
	}

	perChunk := make([][]R, len(chunks))
	failed := make([]bool, len(chunks))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			results, err := p.runChunk(ctx, i, chunk, fn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.chunkFailed(i, len(chunk), err)
				failed[i] = true
				return nil
			}
			perChunk[i] = results
			return nil
		})
	}
	_ = g.Wait()

	var merged []R
	for i, results := range perChunk {
		if failed[i] {
			stats.FailedChunks++
			continue
		}
		merged = append(merged, results...)
	}
	stats.Results = len(merged)
	return merged, stats
}

// runChunk calls fn, turning a panic into a processing error
func (p *Processor[T, R]) runChunk(ctx context.Context, idx int, chunk []T, fn ChunkFunc[T, R]) (results []R, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = faults.Processing(fmt.Sprintf("batch.chunk[%d]", idx), fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx, chunk)
}

func (p *Processor[T, R]) chunkFailed(idx, size int, err error) {
	p.logger.Error("Batch chunk failed, dropping its results",
		zap.Int("chunk", idx),
		zap.Int("size", size),
		zap.Error(err),
	)
	if p.metrics != nil {
		p.metrics.FailedChunks.Inc()
	}
}
