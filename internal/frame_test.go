package internal

import (
	"context"
	"testing"
	"time"
)

func TestOutboundQueuePushNext(t *testing.T) {
	q := newOutboundQueue(2, nopLogger())
	q.push(Frame("a"))
	q.push(Frame("b"))

	ctx := context.Background()
	f, err := q.next(ctx)
	if err != nil || string(f) != "a" {
		t.Fatalf("got %q, %v", f, err)
	}
	f, err = q.next(ctx)
	if err != nil || string(f) != "b" {
		t.Fatalf("got %q, %v", f, err)
	}
}

func TestOutboundQueueDropsWhenFull(t *testing.T) {
	q := newOutboundQueue(1, nopLogger())
	q.push(Frame("a"))
	q.push(Frame("b")) // dropped, queue at capacity

	if got := q.droppedCount(); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
	if got := q.depth(); got != 1 {
		t.Fatalf("depth=%d want 1", got)
	}
}

func TestOutboundQueueCloseDrainsThenErrors(t *testing.T) {
	q := newOutboundQueue(4, nopLogger())
	q.push(Frame("a"))
	q.close()

	ctx := context.Background()
	f, err := q.next(ctx)
	if err != nil || string(f) != "a" {
		t.Fatalf("expected buffered frame before closed error, got %q, %v", f, err)
	}
	if _, err := q.next(ctx); err != ErrStackClosed {
		t.Fatalf("want ErrStackClosed, got %v", err)
	}
}

func TestOutboundQueueNextRespectsContext(t *testing.T) {
	q := newOutboundQueue(4, nopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.next(ctx); err != context.DeadlineExceeded {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}
