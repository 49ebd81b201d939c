package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tarerrors "github.com/tardb/tardb/internal/errors"
)

type recorder struct {
	mu     sync.Mutex
	blocks []Block
	failOn string
}

func (r *recorder) notify(name string, data []byte, size int, first, last bool) error {
	if name == r.failOn {
		return errors.New("connection reset")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, Block{Name: name, Data: data, First: first, Last: last})
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.blocks))
	for i, b := range r.blocks {
		out[i] = b.Name
	}
	return out
}

func TestBlocksDeliveredInOrder(t *testing.T) {
	rec := &recorder{}
	d := New(rec.notify, 2)
	defer d.Close()

	ctx := context.Background()
	for _, name := range []string{"x", "y", "a", "x", "y", "a"} {
		require.NoError(t, d.Send(ctx, Block{Name: name, Data: []byte(name)}))
	}
	require.NoError(t, d.WaitSendBlocksCompletion(ctx))
	assert.Equal(t, []string{"x", "y", "a", "x", "y", "a"}, rec.names())
}

func TestFlagsAndSizeReachCallback(t *testing.T) {
	var got []int
	var flags [][2]bool
	d := New(func(name string, data []byte, size int, first, last bool) error {
		got = append(got, size)
		flags = append(flags, [2]bool{first, last})
		return nil
	}, 0)

	ctx := context.Background()
	require.NoError(t, d.Send(ctx, Block{Name: "a", Data: make([]byte, 3), First: true}))
	require.NoError(t, d.Send(ctx, Block{Name: "a", Data: make([]byte, 5), Last: true}))
	require.NoError(t, d.Close())

	assert.Equal(t, []int{3, 5}, got)
	assert.Equal(t, [][2]bool{{true, false}, {false, true}}, flags)
}

func TestTransmissionFailureIsFlagged(t *testing.T) {
	rec := &recorder{failOn: "bad"}
	d := New(rec.notify, 4)
	defer d.Close()

	ctx := context.Background()
	require.NoError(t, d.Send(ctx, Block{Name: "ok"}))
	require.NoError(t, d.Send(ctx, Block{Name: "bad"}))

	err := d.WaitSendBlocksCompletion(ctx)
	require.Error(t, err)
	assert.Equal(t, tarerrors.CodeTransmission, tarerrors.GetCode(err))
	assert.Contains(t, err.Error(), "connection reset")

	err = d.Send(ctx, Block{Name: "after"})
	assert.Equal(t, tarerrors.CodeTransmission, tarerrors.GetCode(err))
	assert.Equal(t, []string{"ok"}, rec.names())
}

func TestSendHonoursContextWhenQueueIsFull(t *testing.T) {
	release := make(chan struct{})
	d := New(func(string, []byte, int, bool, bool) error {
		<-release
		return nil
	}, 1)

	ctx := context.Background()
	require.NoError(t, d.Send(ctx, Block{Name: "a"}))
	// Once "b" is queued the sender is holding "a" and the queue is full.
	require.NoError(t, d.Send(ctx, Block{Name: "b"}))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Send(short, Block{Name: "c"}), context.DeadlineExceeded)

	close(release)
	require.NoError(t, d.Close())
}

func TestSendAfterClose(t *testing.T) {
	d := New(func(string, []byte, int, bool, bool) error { return nil }, 1)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Error(t, d.Send(context.Background(), Block{Name: "a"}))
}
