package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const nicID tcpip.NICID = 1

// outboundQueueOrder is the order-of-magnitude capacity spec §4.D asks for
// ("capacity equal to PBUF_POOL_SIZE order of magnitude"); gVisor has no
// PBUF pool, so this repo picks a comparable fixed constant.
const outboundQueueOrder = 2048

// Stack is the Engine handle of §3: a process-scoped value wrapping the
// initialised engine (gVisor's network stack) and its one virtual NIC.
// Every public method that reaches into gvisorStack or a tcpip.Endpoint
// does so under lock (I1).
type Stack struct {
	lock *EngineLock
	log  *zap.SugaredLogger

	gvisorStack *stack.Stack
	linkEP      *channel.Endpoint
	mtu         int

	out *outboundQueue

	closeOnce sync.Once
	closed    chan struct{}

	onTick []func() // run under lock on every timer tick; the UDP endpoint's hook is in here
}

// newEngine constructs the engine handle: one gVisor stack, one channel
// link endpoint registered as its sole NIC, promiscuous and spoofing so
// that arbitrary destinations appear locally addressed (§1's "own an IP
// subnet"), and a catch-all route for both address families.
func newEngine(mtu int, log *zap.SugaredLogger) (*Stack, error) {
	if mtu <= 0 {
		mtu = 1500
	}

	gv := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	ep := channel.New(outboundQueueOrder, uint32(mtu), "")

	if err := gv.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("tunstack: create NIC: %v", err)
	}
	if err := gv.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("tunstack: set promiscuous: %v", err)
	}
	if err := gv.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("tunstack: set spoofing: %v", err)
	}
	gv.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	s := &Stack{
		lock:        &EngineLock{},
		log:         log,
		gvisorStack: gv,
		linkEP:      ep,
		mtu:         mtu,
		out:         newOutboundQueue(outboundQueueOrder, log),
		closed:      make(chan struct{}),
	}

	go s.adapterLoop()
	go s.timerLoop()

	return s, nil
}

// adapterLoop is the Interface Adapter (§4.B): it drains frames the engine
// has queued for transmission on the link endpoint and pushes each onto
// the bounded Outbound Queue, copying into a single contiguous owned
// buffer so the caller can hold onto it after the engine reuses its own
// storage. Modelled directly on the teacher's stackToTun poll loop.
func (s *Stack) adapterLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		pkt := s.linkEP.Read()
		if pkt == nil {
			select {
			case <-s.closed:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		v := pkt.ToView()
		b := append([]byte(nil), v.AsSlice()...)
		pkt.DecRef()
		s.out.push(Frame(b))
	}
}

// timerLoop is the dedicated timer driver of §4.A: it wakes at least as
// often as the engine's shortest timer granularity and, under the Engine
// Lock, runs every registered tick hook (the UDP endpoint's no-op
// touchless hook is the only one this repo registers — see udpendpoint.go).
func (s *Stack) timerLoop() {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			withLock(s.lock, func() struct{} {
				for _, h := range s.onTick {
					h()
				}
				return struct{}{}
			})
		}
	}
}

// registerTick adds a function invoked on every timer tick, under lock.
func (s *Stack) registerTick(fn func()) {
	s.lock.Lock()
	s.onTick = append(s.onTick, fn)
	s.lock.Unlock()
}

// SendFrame is the Inbound Pump of §4.C: the external writer hands one raw
// IP frame to the engine. Malformed frames are rejected by the engine
// itself; this method never turns that rejection into a fatal error for
// its caller.
//
// InjectInbound dispatches the packet synchronously on this goroutine —
// straight through the network/transport demux into any registered
// tcp.Forwarder/udp.Forwarder (Listener.handleForward,
// UDPEndpoint.handleForward) — before it returns. The Engine Lock is held
// for that entire synchronous chain (§2/§5: "callbacks from the engine
// always run on the thread currently holding it, so no re-entrant locking
// is needed inside callbacks"); those callbacks must NOT try to acquire
// s.lock themselves, since it is not reentrant and this goroutine already
// holds it.
func (s *Stack) SendFrame(ctx context.Context, f Frame) error {
	select {
	case <-s.closed:
		return ErrStackClosed
	default:
	}
	if len(f) < 1 {
		return nil
	}

	var proto tcpip.NetworkProtocolNumber
	switch f[0] >> 4 {
	case 4:
		proto = ipv4.ProtocolNumber
	case 6:
		proto = ipv6.ProtocolNumber
	default:
		return nil
	}

	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), f...)),
	})
	s.lock.Lock()
	s.linkEP.InjectInbound(proto, pb)
	s.lock.Unlock()
	pb.DecRef()
	return nil
}

// RecvFrame is the Outbound Queue's Stream-shaped surface (§4.D, §6):
// yields one complete IP frame per call, ending when the Stack is closed
// and drained.
func (s *Stack) RecvFrame(ctx context.Context) (Frame, error) {
	return s.out.next(ctx)
}

// MTU returns the interface's advertised MTU (§6).
func (s *Stack) MTU() int { return s.mtu }

// DroppedFrames reports the saturating Outbound Queue drop counter (§4.B,
// I5), useful for the demo program's/operator's visibility into loss.
func (s *Stack) DroppedFrames() uint64 { return s.out.droppedCount() }

// Close initiates the orderly shutdown described in §4.H: the Outbound
// Queue is closed, the timer driver halts, and the link endpoint is torn
// down. Listener and UDP Endpoint shutdown is the Facade's job, since the
// Stack alone doesn't own them (§3: "owns lifetimes" is the Facade's
// responsibility, not the engine handle's).
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.out.close()
		s.lock.Lock()
		s.linkEP.Close()
		s.lock.Unlock()
	})
	return nil
}
