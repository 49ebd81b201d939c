// Package observability provides per-operator execution statistics and the
// Prometheus metrics exported by the engine.
package observability

import (
	"sort"
	"sync"
	"time"
)

// OperatorStats tracks the work done by each operator of one query.
type OperatorStats struct {
	mu    sync.RWMutex
	stats map[string]*OperatorStat
}

// OperatorStat holds the counters of a single operator.
type OperatorStat struct {
	Operator string
	Batches  int64
	Chunks   int64
	Rows     int64
	Busy     time.Duration
	LastSeen time.Time
}

// NewOperatorStats creates an empty statistics tracker.
func NewOperatorStats() *OperatorStats {
	return &OperatorStats{stats: make(map[string]*OperatorStat)}
}

// RecordBatch records one GenerateChunk call of an operator.
// This method is O(1) and thread-safe.
func (o *OperatorStats) RecordBatch(operator string, chunks int, rows int64, busy time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, exists := o.stats[operator]
	if !exists {
		st = &OperatorStat{Operator: operator}
		o.stats[operator] = st
	}
	st.Batches++
	st.Chunks += int64(chunks)
	st.Rows += rows
	st.Busy += busy
	st.LastSeen = time.Now()
}

// Get returns a copy of the counters of one operator.
func (o *OperatorStats) Get(operator string) (OperatorStat, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.stats[operator]
	if !ok {
		return OperatorStat{}, false
	}
	return *st, true
}

// Top returns the n operators that spent the most time producing chunks.
// Returns copies sorted by busy time (descending).
func (o *OperatorStats) Top(n int) []OperatorStat {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if n <= 0 || len(o.stats) == 0 {
		return []OperatorStat{}
	}

	out := make([]OperatorStat, 0, len(o.stats))
	for _, st := range o.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Busy != out[j].Busy {
			return out[i].Busy > out[j].Busy
		}
		return out[i].Operator < out[j].Operator
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}
