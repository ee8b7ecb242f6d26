package internal

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
)

func serverAddr(port uint16) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(net.ParseIP("10.0.0.2").To4()),
		Port: port,
	}
}

// TestTCPRoundTrip exercises the Listener/Connection pair end to end: a
// client endpoint inside the same engine dials the wildcard listener,
// exchanges data in both directions, and shuts down cleanly.
func TestTCPRoundTrip(t *testing.T) {
	f, err := New(Options{MTU: 1500})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientDone := make(chan error, 1)
	go func() {
		conn, err := gonet.DialContextTCP(ctx, f.Stack.gvisorStack, serverAddr(9000), ipv4.ProtocolNumber)
		if err != nil {
			clientDone <- err
			return
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("ping")); err != nil {
			clientDone <- err
			return
		}
		buf := make([]byte, 4)
		if _, err := conn.Read(buf); err != nil {
			clientDone <- err
			return
		}
		if !bytes.Equal(buf, []byte("pong")) {
			clientDone <- fmt.Errorf("client read %q, want %q", buf, "pong")
			return
		}
		clientDone <- nil
	}()

	conn, local, remote, err := f.Listener.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if local.Port != 9000 {
		t.Fatalf("local port = %d, want 9000", local.Port)
	}
	if remote.Port == 0 {
		t.Fatalf("remote port should be nonzero")
	}

	buf := make([]byte, 4)
	n, err := conn.Read(ctx, buf)
	if err != nil || n != 4 || !bytes.Equal(buf, []byte("ping")) {
		t.Fatalf("server Read = %q, %v", buf[:n], err)
	}
	if _, err := conn.Write(ctx, []byte("pong")); err != nil {
		t.Fatalf("server Write: %v", err)
	}

	if err := <-clientDone; err != nil {
		t.Fatalf("client: %v", err)
	}
	conn.Close()
}

// TestUDPRoundTrip exercises the UDP Endpoint's forwarder path and its
// Send path together: a client sends a datagram in, the server echoes it
// back via a swapped source/destination, and the client reads it on the
// same connected socket.
func TestUDPRoundTrip(t *testing.T) {
	f, err := New(Options{MTU: 1500})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	laddr := tcpip.FullAddress{NIC: nicID, Addr: tcpip.AddrFromSlice(net.ParseIP("10.0.0.3").To4()), Port: 4000}
	raddr := serverAddr(5000)

	conn, err := gonet.DialUDP(f.Stack.gvisorStack, &laddr, &raddr, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	d, err := f.UDP.Recv(ctx)
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	if !bytes.Equal(d.Payload, []byte("hello")) {
		t.Fatalf("payload = %q", d.Payload)
	}
	if d.Source.Port != 4000 || d.Dest.Port != 5000 {
		t.Fatalf("source/dest mismatch: %+v -> %+v", d.Source, d.Dest)
	}

	if err := f.UDP.Send(ctx, []byte("world"), d.Dest, d.Source); err != nil {
		t.Fatalf("server Send: %v", err)
	}

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("world")) {
		t.Fatalf("got %q", buf[:n])
	}

	if got := f.UDP.FlowCount(); got != 1 {
		t.Fatalf("flow count = %d, want 1 (same remote pair reuses the PCB)", got)
	}
}
