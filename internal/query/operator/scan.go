package operator

import (
	"context"
	"time"

	"github.com/tardb/tardb/internal/generator"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Scan exposes the stored chunks of a TAR as a materialized generator.
type Scan struct {
	base
}

// NewScan wraps the authoritative chunk list of tar.
func NewScan(tar *types.TAR, chunks []*subtar.Subtar, opts Options) *Scan {
	s := &Scan{base: newBase("scan", tar, opts)}
	s.out = generator.NewMaterialized(s.name, chunks)
	return s
}

// GenerateChunk is a no-op: every chunk already exists.
func (s *Scan) GenerateChunk(ctx context.Context, batchStart int) error { return nil }

// collect pulls up to ChunksPerBatch consecutive upstream chunks starting
// at batchStart, stopping at the end of the stream.
func (b *base) collect(ctx context.Context, in *generator.Generator, batchStart int) ([]lane, error) {
	lanes := make([]lane, 0, b.opts.ChunksPerBatch)
	for i := 0; i < b.opts.ChunksPerBatch; i++ {
		c, err := in.GetChunk(ctx, batchStart+i)
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		lanes = append(lanes, lane{input: c, inIdx: batchStart + i})
	}
	return lanes, nil
}

// mapBatch runs a one-to-one transform over the upstream chunks of one
// batch and publishes the results at the same indexes.
func (b *base) mapBatch(ctx context.Context, in *generator.Generator, batchStart int, fn func(ctx context.Context, l lane) (*subtar.Subtar, error)) error {
	started := time.Now()
	lanes, err := b.collect(ctx, in, batchStart)
	if err != nil || len(lanes) == 0 {
		return err
	}

	results, err := b.runLanes(ctx, len(lanes), func(ctx context.Context, i int) (*subtar.Subtar, error) {
		return fn(ctx, lanes[i])
	})
	if err != nil {
		return err
	}
	b.publish(batchStart, lanes, results, started, nil)
	for _, l := range lanes {
		in.DisposeIfExhausted(l.inIdx)
	}
	return nil
}
