package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStackClosed is returned by the frame sink and frame stream once the
// Stack has been shut down (§4.D, §6).
var ErrStackClosed = errors.New("tunstack: stack closed")

// Frame is one complete, immutable IP packet (v4 or v6) as produced by the
// engine's interface output hook (§3 "Outbound frame").
type Frame []byte

// outboundQueue is the single-producer/single-consumer bounded FIFO of
// §4.D. The producer is the Interface Adapter's drain loop (internal to
// engine.go); the consumer is whatever external code reads frames off the
// Stack to hand to the TUN device.
type outboundQueue struct {
	mu       sync.Mutex
	buf      []Frame
	cap      int
	closed   bool
	notEmpty *broadcaster

	dropped   uint64
	dropLimit *rate.Limiter
	log       *zap.SugaredLogger
}

func newOutboundQueue(capacity int, log *zap.SugaredLogger) *outboundQueue {
	return &outboundQueue{
		cap:       capacity,
		notEmpty:  newBroadcaster(),
		dropLimit: rate.NewLimiter(rate.Every(time.Second), 1),
		log:       log,
	}
}

// push is the non-blocking producer side (§4.B): on a full queue the frame
// is dropped and the saturating counter bumped, which is sound because the
// engine treats lost frames as ordinary network loss (I5).
func (q *outboundQueue) push(f Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.buf) >= q.cap {
		q.dropped++
		n := q.dropped
		q.mu.Unlock()
		observeFrameDropped()
		if q.dropLimit.Allow() {
			q.log.Warnw("outbound queue full, dropping frame", "total_dropped", n)
		}
		return
	}
	q.buf = append(q.buf, f)
	q.mu.Unlock()
	q.notEmpty.wake()
}

// next is the Stream-shaped consumer side: it yields one frame per call,
// blocking until one is available, the queue is closed, or ctx is done.
func (q *outboundQueue) next(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			f := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrStackClosed
		}
		ch := q.notEmpty.ch()
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *outboundQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *outboundQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// close marks the queue closed; pending and future next() calls drain
// whatever is left, then resolve with ErrStackClosed (§4.D).
func (q *outboundQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.wake()
}
