package internal

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/waiter"
)

// connState is the state machine of §4.F.
type connState int

const (
	stateOpen connState = iota
	stateHalfClosedRemote
	stateHalfClosedLocal
	stateClosed
	stateErrored
	stateAborted
)

// recvBufferCap is the fixed byte cap of I4 ("equal to the engine's
// advertised window"); it mirrors the 32*MSS receive window §1 configures
// the engine with (MSS ~1460 on a 1500 MTU link).
const recvBufferCap = 32 * 1460

// writeChunkCap bounds a single Write's staged bytes, matching §4.F's
// "writes are atomic in the sense that partial progress is reported" —
// a write never silently loops internally past this many bytes.
const writeChunkCap = 16 * 1460

// Connection is the TCP Connection of §4.F: bound one-to-one to an engine
// TCP endpoint (PCB), with a receive buffer decoupled from the engine by a
// dedicated pump goroutine and write staging performed directly against
// the engine's own send buffer via the stable gonet.TCPConn adapter.
//
// Because the chosen engine folds "copy bytes out of the receive queue"
// and "acknowledge them to advance the window" into the single call
// gonet.Conn.Read (unlike lwIP's separate tcp_recv callback + tcp_recved
// entry point), this Connection enforces I4 by gating *when* that call
// happens — only when recvBuf has room — rather than tracking a separate
// unacked-to-engine count. unackedToEngine is kept as a field for parity
// with §3's data model and is always 0 under this engine: see DESIGN.md.
// sendHeadroom is likewise kept for data-model parity with §3's "send
// buffer headroom" even though nc.Write blocks on the engine's own send
// buffer directly rather than consulting a locally tracked count.
//
// recvPump's Read, Write's Write, and the gonet calls they make are
// deliberately NOT taken under the Stack's Engine Lock: each gonet
// endpoint serialises its own I/O internally, and these calls can block
// indefinitely waiting on data or buffer space. Holding the process-wide
// Engine Lock across a blocking call here would stall the one goroutine
// that SendFrame needs in order to deliver the very data being waited on
// (engine-global mutations — CreateEndpoint, Bind, Connect, ep.Close,
// CloseWrite, forwarder registration, and SendFrame's InjectInbound — are
// the only things the lock serialises; see
// lock.go and DESIGN.md).
type Connection struct {
	ID uuid.UUID

	stack *Stack
	ep    tcpip.Endpoint
	nc    *gonet.TCPConn
	log   *zap.SugaredLogger

	// onTerminal is invoked exactly once, with ID, the moment this
	// Connection reaches a terminal state (stateClosed or stateAborted).
	// The Listener uses it to drop the Connection from its live registry
	// so Facade.Close (§4.H) only force-aborts what's still outstanding.
	onTerminal func(uuid.UUID)

	mu              sync.Mutex
	state           connState
	recvBuf         bytes.Buffer
	unackedToEngine int
	sendHeadroom    int
	err             *StackError

	recvReady *broadcaster
	roomReady *broadcaster

	closeOnce sync.Once
}

func newConnection(s *Stack, ep tcpip.Endpoint, wq *waiter.Queue, log *zap.SugaredLogger, onTerminal func(uuid.UUID)) *Connection {
	c := &Connection{
		ID:           uuid.New(),
		stack:        s,
		ep:           ep,
		nc:           gonet.NewTCPConn(wq, ep),
		log:          log,
		onTerminal:   onTerminal,
		state:        stateOpen,
		sendHeadroom: writeChunkCap,
		recvReady:    newBroadcaster(),
		roomReady:    newBroadcaster(),
	}
	go c.recvPump()
	return c
}

// recvPump is the receive path of §4.F. It only calls nc.Read — the
// engine's equivalent of the push-style receive callback plus
// acknowledgement — when recvBuf has room, so a consumer that never reads
// leaves bytes sitting unacknowledged in the engine, closing the
// advertised window exactly as I4 requires.
func (c *Connection) recvPump() {
	buf := make([]byte, 32*1024)
	for {
		c.mu.Lock()
		for c.recvBuf.Len() >= recvBufferCap && (c.state == stateOpen || c.state == stateHalfClosedLocal) {
			ch := c.roomReady.ch()
			c.mu.Unlock()
			<-ch
			c.mu.Lock()
		}
		state := c.state
		c.mu.Unlock()
		if state != stateOpen && state != stateHalfClosedLocal {
			return
		}

		n, err := c.nc.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.recvBuf.Write(buf[:n])
			c.mu.Unlock()
			c.recvReady.wake()
		}
		if err != nil {
			if err == io.EOF {
				c.mu.Lock()
				terminal := false
				if c.state == stateOpen {
					c.state = stateHalfClosedRemote
				} else if c.state == stateHalfClosedLocal {
					c.state = stateClosed
					terminal = true
				}
				c.mu.Unlock()
				c.recvReady.wake()
				if terminal && c.onTerminal != nil {
					c.onTerminal(c.ID)
				}
				return
			}
			c.fail(classifyEngineError(err), err)
			return
		}
	}
}

func (c *Connection) fail(kind ErrorKind, cause error) {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateAborted || c.state == stateErrored {
		c.mu.Unlock()
		return
	}
	c.state = stateErrored
	c.err = newStackError(kind, cause)
	c.mu.Unlock()
	c.recvReady.wake()
}

// Read returns up to len(p) bytes, or io.EOF once the peer has FIN'd and
// the buffer is drained (§4.F, §6).
func (c *Connection) Read(ctx context.Context, p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.recvBuf.Len() > 0 {
			n, _ := c.recvBuf.Read(p)
			c.mu.Unlock()
			c.roomReady.wake()
			return n, nil
		}
		switch c.state {
		case stateErrored, stateAborted:
			err := c.err
			c.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, newStackError(ErrConnectionAborted, nil)
		case stateHalfClosedRemote, stateClosed:
			c.mu.Unlock()
			return 0, io.EOF
		}
		ch := c.recvReady.ch()
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Write stages up to len(p) bytes (capped at writeChunkCap) into the
// engine's send buffer and returns the count actually staged. There is no
// implicit retry loop inside Write (§4.F): a partial count is a valid,
// complete result.
//
// Cancellation is bound to the engine call itself via SetWriteDeadline
// rather than by racing a detached goroutine against ctx.Done(): an
// abandoned goroutine would keep calling nc.Write after Write already
// returned, staging bytes the caller was told never left, which both
// under-reports progress (violating §4.F's "partial progress is
// reported") and risks a caller retry duplicating data (P3).
func (c *Connection) Write(ctx context.Context, p []byte) (int, error) {
	c.mu.Lock()
	switch c.state {
	case stateErrored, stateAborted:
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, newStackError(ErrConnectionAborted, nil)
	case stateHalfClosedLocal, stateClosed:
		c.mu.Unlock()
		return 0, newStackError(ErrIO, io.ErrClosedPipe)
	}
	c.mu.Unlock()

	if len(p) > writeChunkCap {
		p = p[:writeChunkCap]
	}
	if len(p) == 0 {
		return 0, nil
	}

	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}
	// If ctx is cancelled (not just deadline-expired) while nc.Write is
	// blocked on send-buffer headroom, pull the deadline to now so the
	// blocked call returns immediately instead of waiting indefinitely.
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetWriteDeadline(time.Now())
	})
	defer stop()

	n, err := c.nc.Write(p)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// n is however many bytes nc.Write actually staged before the
			// deadline fired — never silently dropped, per P3.
			return n, ctxErr
		}
		c.fail(classifyEngineError(err), err)
		return n, newStackError(classifyEngineError(err), err)
	}
	return n, nil
}

// Flush reports the error of an errored or aborted Connection and
// otherwise issues a zero-length nc.Write and returns that call's error.
// It does not wait for the peer to acknowledge the bytes staged so far:
// the stable gonet surface this Connection is built on doesn't expose a
// byte-granular sent callback the way raw lwIP/tcpip.Endpoint would — see
// DESIGN.md's Open Question resolution.
func (c *Connection) Flush(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	err := c.err
	c.mu.Unlock()
	switch state {
	case stateErrored, stateAborted:
		if err != nil {
			return err
		}
		return newStackError(ErrConnectionAborted, nil)
	}
	_, werr := c.nc.Write(nil)
	return werr
}

// Close attempts a graceful half-close of the write side under the lock
// (§4.F "Shutdown") and aborts the Connection if that fails. It does not
// close the underlying endpoint: reads keep draining what the peer sends,
// and the endpoint is closed only by abort (Abort, or Facade.Close).
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		terminal := false
		switch c.state {
		case stateOpen:
			c.state = stateHalfClosedLocal
		case stateHalfClosedRemote:
			c.state = stateClosed
			terminal = true
		}
		c.mu.Unlock()

		c.stack.lock.Lock()
		shutdownErr := c.nc.CloseWrite()
		c.stack.lock.Unlock()
		if shutdownErr != nil {
			c.abort()
			err = nil
			return
		}
		observeConnClosed("closed")
		c.recvReady.wake()
		if terminal && c.onTerminal != nil {
			c.onTerminal(c.ID)
		}
	})
	return err
}

// abort is the drop path of §4.F: release the PCB immediately without a
// graceful close attempt, used when Close fails, by Abort (and so by
// Facade.Close), and by the Listener when it cannot queue a new Connection
// (§9: Connection owns PCB, drop always clears callbacks before freeing).
func (c *Connection) abort() {
	c.mu.Lock()
	if c.state == stateAborted || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateAborted
	c.mu.Unlock()
	observeConnClosed("aborted")

	c.stack.lock.Lock()
	c.ep.Close()
	c.stack.lock.Unlock()

	c.recvReady.wake()
	c.roomReady.wake()
	if c.onTerminal != nil {
		c.onTerminal(c.ID)
	}
}

// Abort is the public entry point for a hard local abort (e.g. Stack
// shutdown — §4.H, §7 "ConnectionAborted").
func (c *Connection) Abort() { c.abort() }
