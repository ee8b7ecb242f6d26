package internal

import (
	"testing"
	"time"
)

func TestBroadcasterWakesAllWaiters(t *testing.T) {
	b := newBroadcaster()
	ch1 := b.ch()
	ch2 := b.ch()

	done := make(chan struct{})
	go func() {
		<-ch1
		<-ch2
		close(done)
	}()

	b.wake()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters never woke")
	}
}

func TestBroadcasterChAfterWakeIsFresh(t *testing.T) {
	b := newBroadcaster()
	ch1 := b.ch()
	b.wake()

	select {
	case <-ch1:
	default:
		t.Fatal("old channel should be closed after wake")
	}

	ch2 := b.ch()
	select {
	case <-ch2:
		t.Fatal("new channel should not be closed yet")
	default:
	}
}
