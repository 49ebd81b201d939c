package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStopReleasesInReverseOrder(t *testing.T) {
	l := New(DefaultConfig())
	var order []string
	for _, name := range []string{"storage", "catalog", "metrics"} {
		name := name
		l.Manage(CloserFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}

	if err := l.Stop(context.Background(), "test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := strings.Join(order, ","); got != "metrics,catalog,storage" {
		t.Errorf("expected metrics,catalog,storage, got %s", got)
	}
	if !l.Stopping() {
		t.Error("expected Stopping after Stop")
	}

	// Later calls do nothing.
	if err := l.Stop(context.Background(), "again"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("expected 3 releases, got %d", len(order))
	}
}

func TestBeginAfterStop(t *testing.T) {
	l := New(DefaultConfig())
	_, done, err := l.Begin(context.Background(), KindQuery, "q")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	done()
	done()

	if err := l.Stop(context.Background(), "test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, _, err := l.Begin(context.Background(), KindIngest, "i"); !errors.Is(err, ErrStopping) {
		t.Errorf("expected ErrStopping, got %v", err)
	}
	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestStopWaitsForOperations(t *testing.T) {
	l := New(Config{DrainTimeout: 2 * time.Second, CancelGrace: time.Second})
	_, done, err := l.Begin(context.Background(), KindQuery, "slow")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ops := l.Running(); len(ops) != 1 || ops[0].Kind != KindQuery || ops[0].Label != "slow" {
		t.Fatalf("unexpected running operations: %+v", ops)
	}

	finished := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(finished)
		done()
	}()

	if err := l.Stop(context.Background(), "test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the operation finished")
	}
	if n := len(l.Running()); n != 0 {
		t.Errorf("expected no running operations, got %d", n)
	}
}

func TestStopCancelsOperationsPastDrainWindow(t *testing.T) {
	l := New(Config{DrainTimeout: 50 * time.Millisecond, CancelGrace: 2 * time.Second})
	ctx, done, err := l.Begin(context.Background(), KindQuery, "stuck")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// The operation returns as soon as its context is cancelled.
	go func() {
		<-ctx.Done()
		done()
	}()
	released := false
	l.Manage(CloserFunc(func() error {
		released = true
		return nil
	}))

	err = l.Stop(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "cancelled 1 operations") {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Errorf("expected operation context to be cancelled, got %v", ctx.Err())
	}
	if !released {
		t.Error("expected resources to be released")
	}
}

func TestStopGivesUpOnOperationsIgnoringCancel(t *testing.T) {
	l := New(Config{DrainTimeout: 20 * time.Millisecond, CancelGrace: 20 * time.Millisecond})
	if _, _, err := l.Begin(context.Background(), KindIngest, "deaf"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err := l.Stop(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "did not return") {
		t.Fatalf("expected error for unreturned operation, got %v", err)
	}
}
