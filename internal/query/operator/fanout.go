package operator

import (
	"context"
	"fmt"
	"sync"

	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/observability"
	"github.com/tardb/tardb/internal/subtar"
	"golang.org/x/sync/semaphore"
)

// laneFunc computes the result of one lane. A nil chunk with a nil error
// means the lane produced nothing.
type laneFunc func(ctx context.Context, i int) (*subtar.Subtar, error)

// runLanes runs fn for lanes 0..width-1 with at most maxLanes running at
// once and joins them all. Each lane writes only its own result slot. When
// lanes fail, the error of the lowest failing lane is returned; panics are
// captured as lane errors.
func (b *base) runLanes(ctx context.Context, width int, fn laneFunc) ([]*subtar.Subtar, error) {
	results := make([]*subtar.Subtar, width)
	errs := make([]error, width)
	sem := semaphore.NewWeighted(int64(b.opts.MaxLanes))

	var wg sync.WaitGroup
	for i := 0; i < width; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = fmt.Errorf("semaphore acquire failed: %w", err)
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer sem.Release(1)
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = tarerrors.NewExecutionError(tarerrors.CodeLanePanic,
						fmt.Sprintf("%s: lane %d panicked: %v", b.name, i, r), nil)
				}
			}()
			results[i], errs[i] = fn(ctx, i)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		observability.LaneFailures.WithLabelValues(b.kind).Inc()
		if tarerrors.GetCategory(err) == "" {
			err = tarerrors.NewExecutionError(tarerrors.CodeLaneFailed, fmt.Sprintf("%s: lane %d", b.name, i), err)
		}
		return nil, err
	}
	return results, nil
}

// storageErr wraps a failed store call with the operation and this operator.
func (b *base) storageErr(operation string, err error) error {
	return tarerrors.StorageError(operation, b.name, err)
}
