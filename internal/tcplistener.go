package internal

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// acceptedConn is one entry of the Listener's accept FIFO (§3 "Listener
// state"): a new Connection plus the local (intercepted destination) and
// remote (source) endpoints captured at accept time.
type acceptedConn struct {
	Conn   *Connection
	Local  Addr
	Remote Addr
}

// Listener is the TCP Listener of §4.E: one wildcard PCB (via a
// tcp.Forwarder, which fires for every inbound SYN regardless of
// destination — the gVisor analogue of a PCB bound to any-address/any-port)
// feeding a bounded FIFO of accepted connections.
type Listener struct {
	stack *Stack
	log   *zap.SugaredLogger

	fwd *tcp.Forwarder

	mu     sync.Mutex
	fifo   []acceptedConn
	cap    int
	closed bool
	ready  *broadcaster

	// live tracks every Connection handed out by this Listener, accepted
	// or still sitting in fifo, until it reaches a terminal state. The
	// Facade walks this on shutdown to abort whatever is still open (§4.H).
	live map[uuid.UUID]*Connection
}

const defaultAcceptBacklog = 128

// newListener installs the TCP forwarder (I3: lives for the Stack's
// lifetime) and returns the Listener ready to accept.
func newListener(s *Stack, backlog int, log *zap.SugaredLogger) *Listener {
	if backlog <= 0 {
		backlog = defaultAcceptBacklog
	}
	l := &Listener{
		stack: s,
		log:   log,
		cap:   backlog,
		ready: newBroadcaster(),
		live:  make(map[uuid.UUID]*Connection),
	}

	l.fwd = tcp.NewForwarder(s.gvisorStack, 0, backlog, l.handleForward)
	s.lock.Lock()
	s.gvisorStack.SetTransportProtocolHandler(tcp.ProtocolNumber, l.fwd.HandlePacket)
	s.lock.Unlock()

	return l
}

// handleForward runs synchronously on the goroutine executing SendFrame's
// InjectInbound (§2/§5: "callbacks from the engine always run on the thread
// currently holding it"), which already holds the Engine Lock around that
// call. It must NOT re-acquire stack.lock — that lock is not reentrant, and
// this is the same goroutine that already has it. Re-locking here would
// deadlock the very first inbound SYN against the SendFrame call that
// delivered it.
func (l *Listener) handleForward(r *tcp.ForwarderRequest) {
	id := r.ID()

	l.mu.Lock()
	full := l.closed || len(l.fifo) >= l.cap
	l.mu.Unlock()
	if full {
		// Accept FIFO full or Listener closed: refuse immediately (§4.E's
		// "only admission control").
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	conn := newConnection(l.stack, ep, &wq, l.log, l.untrack)

	local := fullAddrToAddr(tcpip.FullAddress{Addr: id.LocalAddress, Port: id.LocalPort})
	remote := fullAddrToAddr(tcpip.FullAddress{Addr: id.RemoteAddress, Port: id.RemotePort})

	l.mu.Lock()
	if l.closed || len(l.fifo) >= l.cap {
		l.mu.Unlock()
		// abort takes stack.lock, which this goroutine already holds.
		go conn.abort()
		return
	}
	l.fifo = append(l.fifo, acceptedConn{Conn: conn, Local: local, Remote: remote})
	l.live[conn.ID] = conn
	l.mu.Unlock()
	observeConnAccepted()
	l.ready.wake()
}

// untrack removes a Connection from the live registry once it reaches a
// terminal state. Safe to call after AbortAll has nilled live (delete on a
// nil map is a no-op) and safe to call more than once for the same id.
func (l *Listener) untrack(id uuid.UUID) {
	l.mu.Lock()
	delete(l.live, id)
	l.mu.Unlock()
}

// Accept yields the next accepted connection in arrival order, blocking
// until one is ready, ctx is done, or the Listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Connection, Addr, Addr, error) {
	for {
		l.mu.Lock()
		if len(l.fifo) > 0 {
			a := l.fifo[0]
			l.fifo = l.fifo[1:]
			l.mu.Unlock()
			return a.Conn, a.Local, a.Remote, nil
		}
		if l.closed {
			l.mu.Unlock()
			return nil, Addr{}, Addr{}, ErrStackClosed
		}
		ch := l.ready.ch()
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, Addr{}, Addr{}, ctx.Err()
		}
	}
}

// Close tears down the wildcard forwarder under the lock (§4.E). Already
// accepted Connections are unaffected — they own their PCB independently
// (I2) — until AbortAll is called.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.stack.lock.Lock()
	l.stack.gvisorStack.SetTransportProtocolHandler(tcp.ProtocolNumber, nil)
	l.stack.lock.Unlock()

	l.ready.wake()
	return nil
}

// AbortAll hard-aborts every Connection this Listener has ever handed out
// that hasn't already reached a terminal state (§4.H: "all currently live
// Connections ... are aborted"). Called by the Facade during shutdown,
// after Close has stopped new connections from arriving.
func (l *Listener) AbortAll() {
	l.mu.Lock()
	conns := make([]*Connection, 0, len(l.live))
	for _, c := range l.live {
		conns = append(conns, c)
	}
	l.live = nil
	l.mu.Unlock()

	for _, c := range conns {
		c.Abort()
	}
}
