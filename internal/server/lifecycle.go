// Package server runs the engine process lifecycle. Queries and ingests are
// admitted as operations with their own context; stopping the engine drains
// them, cancels whatever outlives the drain window and then releases the
// engine resources.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tardb/tardb/internal/observability"
)

// ErrStopping is returned by Begin once Stop has been called.
var ErrStopping = errors.New("engine is shutting down")

// Operation kinds.
const (
	KindQuery  = "query"
	KindIngest = "ingest"
)

// Operation describes one admitted query or ingest.
type Operation struct {
	ID      uint64
	Kind    string
	Label   string
	Started time.Time
}

type running struct {
	Operation
	cancel context.CancelFunc
}

// Config tunes Stop.
type Config struct {
	// DrainTimeout is how long Stop waits for running operations before
	// cancelling them. Default: 15 seconds
	DrainTimeout time.Duration

	// CancelGrace is how long cancelled operations get to return.
	// Default: 5 seconds
	CancelGrace time.Duration
}

// DefaultConfig returns the default lifecycle configuration.
func DefaultConfig() Config {
	return Config{
		DrainTimeout: 15 * time.Second,
		CancelGrace:  5 * time.Second,
	}
}

// Lifecycle admits operations and tears the engine down.
type Lifecycle struct {
	cfg Config

	mu        sync.Mutex
	seq       uint64
	ops       map[uint64]*running
	stopping  chan struct{}
	drained   chan struct{}
	isDrained bool
	resources []io.Closer

	stopOnce sync.Once
	stopErr  error
}

// New creates a lifecycle. Zero durations take their defaults.
func New(cfg Config) *Lifecycle {
	def := DefaultConfig()
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	return &Lifecycle{
		cfg:      cfg,
		ops:      make(map[uint64]*running),
		stopping: make(chan struct{}),
		drained:  make(chan struct{}),
	}
}

// Manage registers a resource released by Stop. Resources are released in
// reverse order of registration.
func (l *Lifecycle) Manage(c io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources = append(l.resources, c)
}

// Begin admits an operation. The returned context is cancelled when Stop
// gives up waiting for it; done must be called when the operation returns.
func (l *Lifecycle) Begin(ctx context.Context, kind, label string) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stoppingLocked() {
		return nil, nil, ErrStopping
	}
	l.seq++
	opCtx, cancel := context.WithCancel(ctx)
	r := &running{
		Operation: Operation{ID: l.seq, Kind: kind, Label: label, Started: time.Now()},
		cancel:    cancel,
	}
	l.ops[r.ID] = r
	observability.ActiveOperations.WithLabelValues(kind).Inc()

	var once sync.Once
	return opCtx, func() { once.Do(func() { l.finish(r) }) }, nil
}

func (l *Lifecycle) finish(r *running) {
	r.cancel()
	observability.ActiveOperations.WithLabelValues(r.Kind).Dec()
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ops, r.ID)
	l.markDrainedLocked()
}

// markDrainedLocked closes drained once stopping has begun and nothing runs.
func (l *Lifecycle) markDrainedLocked() {
	if !l.isDrained && len(l.ops) == 0 && l.stoppingLocked() {
		l.isDrained = true
		close(l.drained)
	}
}

func (l *Lifecycle) stoppingLocked() bool {
	select {
	case <-l.stopping:
		return true
	default:
		return false
	}
}

// Running returns the admitted operations, oldest first.
func (l *Lifecycle) Running() []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Operation, 0, len(l.ops))
	for _, r := range l.ops {
		out = append(out, r.Operation)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stopping reports whether Stop has been called.
func (l *Lifecycle) Stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stoppingLocked()
}

// Done is closed when Stop begins.
func (l *Lifecycle) Done() <-chan struct{} { return l.stopping }

// Stop refuses new operations, waits for the running ones and releases every
// managed resource. Operations still running after the drain window are
// cancelled. Only the first call has an effect; later calls return its error.
func (l *Lifecycle) Stop(ctx context.Context, reason string) error {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		close(l.stopping)
		l.markDrainedLocked()
		pending := len(l.ops)
		l.mu.Unlock()
		if pending > 0 {
			log.Printf("server: stopping (%s), waiting for %d operations", reason, pending)
		}

		l.stopErr = l.drain(ctx)

		l.mu.Lock()
		resources := l.resources
		l.mu.Unlock()
		for i := len(resources) - 1; i >= 0; i-- {
			if err := resources[i].Close(); err != nil && l.stopErr == nil {
				l.stopErr = fmt.Errorf("close failed: %w", err)
			}
		}
	})
	return l.stopErr
}

func (l *Lifecycle) drain(ctx context.Context) error {
	wait := time.NewTimer(l.cfg.DrainTimeout)
	defer wait.Stop()
	select {
	case <-l.drained:
		return nil
	case <-ctx.Done():
	case <-wait.C:
	}

	l.mu.Lock()
	var cancelled []string
	for _, r := range l.ops {
		r.cancel()
		cancelled = append(cancelled, fmt.Sprintf("%s %d (%s)", r.Kind, r.ID, r.Label))
	}
	l.mu.Unlock()
	sort.Strings(cancelled)
	log.Printf("server: cancelled %d operations: %v", len(cancelled), cancelled)

	grace := time.NewTimer(l.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case <-l.drained:
		return fmt.Errorf("cancelled %d operations after the drain window", len(cancelled))
	case <-grace.C:
		return fmt.Errorf("%d operations did not return after cancellation", len(l.Running()))
	}
}

// ServeHTTP runs srv in the background and shuts it down on Stop. Listen
// errors are delivered on the returned channel.
func (l *Lifecycle) ServeHTTP(srv *http.Server) <-chan error {
	l.Manage(CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }
