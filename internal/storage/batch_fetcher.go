package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchFetcher reads many objects in parallel with bounded concurrency.
type BatchFetcher struct {
	storage     BlobStorage
	concurrency int
}

// BatchResult holds the fetched objects in request order. Errors is keyed
// by key and is empty when every fetch succeeded.
type BatchResult struct {
	Data   [][]byte
	Errors map[string]error
}

// Err returns the error of the first failed key in request order.
func (r *BatchResult) Err(keys []string) error {
	for _, k := range keys {
		if err, ok := r.Errors[k]; ok {
			return fmt.Errorf("fetch %s: %w", k, err)
		}
	}
	return nil
}

// NewBatchFetcher creates a new batch fetcher.
// concurrency <= 0 means one fetch at a time.
func NewBatchFetcher(storage BlobStorage, concurrency int) *BatchFetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BatchFetcher{storage: storage, concurrency: concurrency}
}

// Fetch downloads every key. It only returns an error when the context is
// cancelled before all fetches were started; per-key failures are reported
// in the result.
func (b *BatchFetcher) Fetch(ctx context.Context, keys []string) (*BatchResult, error) {
	result := &BatchResult{
		Data:   make([][]byte, len(keys)),
		Errors: make(map[string]error),
	}
	if len(keys) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("semaphore acquire failed: %w", err)
		}

		wg.Add(1)
		go func(i int, key string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := b.storage.Get(ctx, key)
			if err != nil {
				mu.Lock()
				result.Errors[key] = err
				mu.Unlock()
				return
			}
			result.Data[i] = data
		}(i, key)
	}

	wg.Wait()
	return result, nil
}
