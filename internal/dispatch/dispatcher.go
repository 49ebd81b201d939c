// Package dispatch delivers result blocks to the session layer. Blocks are
// queued on a bounded channel and handed, in order, to a caller-provided
// callback by one background sender.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"

	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/observability"
)

// DefaultQueueSize is the queue capacity used when none is configured.
const DefaultQueueSize = 64

// NotifyFunc receives one block. size is len(data). first and last mark the
// first and final block carrying a given name.
type NotifyFunc func(name string, data []byte, size int, first, last bool) error

// Block is one named, encoded piece of a query result.
type Block struct {
	Name  string
	Data  []byte
	First bool
	Last  bool
}

type item struct {
	block   Block
	flushed chan struct{}
}

// Dispatcher is a single-consumer block queue. Send blocks while the queue
// is full.
type Dispatcher struct {
	notify NotifyFunc
	queue  chan item
	done   chan struct{}

	closeMu sync.RWMutex
	closed  bool

	mu  sync.Mutex
	err error
}

// New starts a dispatcher delivering blocks to notify.
func New(notify NotifyFunc, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		notify: notify,
		queue:  make(chan item, queueSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for it := range d.queue {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		// After a failure the queue is still drained so that producers and
		// flushes never wait on a dead sender.
		if d.Err() != nil {
			continue
		}
		b := it.block
		if err := d.notify(b.Name, b.Data, len(b.Data), b.First, b.Last); err != nil {
			d.fail(b.Name, err)
			continue
		}
		observability.BlocksSent.Inc()
		observability.BlockBytes.Add(float64(len(b.Data)))
	}
}

func (d *Dispatcher) fail(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return
	}
	log.Printf("dispatch: transmission of block %s failed: %v", name, err)
	d.err = tarerrors.NewExecutionError(tarerrors.CodeTransmission,
		fmt.Sprintf("transmission of block %s failed", name), err)
}

// Err returns the transmission failure, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Dispatcher) enqueue(ctx context.Context, it item) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return fmt.Errorf("dispatch: dispatcher is closed")
	}
	select {
	case d.queue <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues a block. It fails immediately once a transmission failure
// has been flagged.
func (d *Dispatcher) Send(ctx context.Context, b Block) error {
	if err := d.Err(); err != nil {
		return err
	}
	return d.enqueue(ctx, item{block: b})
}

// WaitSendBlocksCompletion blocks until every block queued before the call
// has been delivered, and returns the transmission failure if one occurred.
func (d *Dispatcher) WaitSendBlocksCompletion(ctx context.Context) error {
	flushed := make(chan struct{})
	if err := d.enqueue(ctx, item{flushed: flushed}); err != nil {
		return err
	}
	select {
	case <-flushed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.Err()
}

// Close stops the sender after the queue drains. It is safe to call more
// than once.
func (d *Dispatcher) Close() error {
	d.closeMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.closeMu.Unlock()
	<-d.done
	return d.Err()
}
