package internal

import "sync"

// broadcaster is the Go-idiomatic stand-in for spec §3's "at-most one
// waker": instead of recording a single Waker and re-arming it on every
// poll, we hand out a channel that is closed (and replaced) every time the
// condition being waited on changes. Any number of goroutines can wait on
// the same generation of the channel; that's a safe superset of "at most
// one" since this codebase never schedules more than one reader and one
// writer per Connection, but it costs nothing to allow more.
//
// Callers must hold the lock that protects the state they're checking
// before calling ch(), and must drop it before receiving from the returned
// channel (see §5: "none of these hold the lock across a suspension").
type broadcaster struct {
	mu sync.Mutex
	c  chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{c: make(chan struct{})}
}

// ch returns the channel to wait on for the next wake.
func (b *broadcaster) ch() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.c
}

// wake releases every goroutine currently waiting and arms a fresh
// generation for the next wait.
func (b *broadcaster) wake() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.c)
	b.c = make(chan struct{})
}
