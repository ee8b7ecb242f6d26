package internal

import (
	"sync"

	"go.uber.org/zap"
)

// Options configures the Facade (§6 "Construction"). The zero value is
// valid: it yields the default MTU, accept backlog, UDP flow cap, and a
// no-op logger.
type Options struct {
	MTU            int
	AcceptBacklog  int
	UDPFlowCap     int
	Logger         *zap.SugaredLogger
}

// Facade is §4.H: it constructs the Engine Lock (embedded in Stack), the
// Interface Adapter, the Inbound Pump and Outbound Queue (all embedded in
// Stack), the TCP Listener, and the UDP Endpoint, and owns all of their
// lifetimes.
type Facade struct {
	Stack    *Stack
	Listener *Listener
	UDP      *UDPEndpoint

	closeOnce sync.Once
}

// New constructs a Facade (§6 "new(mtu) returns (Stack, TcpListener,
// UdpEndpoint)"). Each call builds its own stack.Stack: gVisor permits
// multiple independent stack.Stack values in one process, so this
// repository does not enforce a hard singleton the way a true lwIP binding
// would have to, and two Facades are two fully independent engines (see
// DESIGN.md).
func New(opts Options) (*Facade, error) {
	log := opts.Logger
	if log == nil {
		log = nopLogger()
	}

	s, err := newEngine(opts.MTU, log)
	if err != nil {
		return nil, err
	}

	l := newListener(s, opts.AcceptBacklog, log)
	u := newUDPEndpoint(s, opts.UDPFlowCap, log)

	return &Facade{Stack: s, Listener: l, UDP: u}, nil
}

// Close initiates the orderly shutdown of §4.H: the Outbound Queue is
// closed, the Inbound Pump refuses new frames, the timer driver halts, and
// the Listener and UDP Endpoint tear down their PCBs. Listener.Close stops
// admitting new SYNs first, then AbortAll hard-aborts every Connection
// still outstanding — accepted or not — so a caller never leaks a
// recvPump goroutine blocked in a Read that will now never complete, and
// so each such Connection observes ConnectionAborted per §7.
func (f *Facade) Close() error {
	f.closeOnce.Do(func() {
		f.Listener.Close()
		f.Listener.AbortAll()
		f.UDP.Close()
		f.Stack.Close()
	})
	return nil
}
