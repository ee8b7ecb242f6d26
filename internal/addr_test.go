package internal

import (
	"net"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
)

func TestAddrString(t *testing.T) {
	a := Addr{IP: net.ParseIP("192.0.2.1"), Port: 8080}
	if got, want := a.String(), "192.0.2.1:8080"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFullAddrRoundTrip(t *testing.T) {
	a := Addr{IP: net.ParseIP("192.0.2.1").To4(), Port: 53}
	fa := addrToFullAddr(a, nicID)
	back := fullAddrToAddr(fa)
	if !back.IP.Equal(a.IP) || back.Port != a.Port {
		t.Fatalf("round trip mismatch: got %+v from %+v", back, a)
	}
}

func TestNetProtoFor(t *testing.T) {
	if got := netProtoFor(net.ParseIP("10.0.0.1")); got != ipv4.ProtocolNumber {
		t.Fatalf("got %v want ipv4", got)
	}
	if got := netProtoFor(net.ParseIP("2001:db8::1")); got != ipv6.ProtocolNumber {
		t.Fatalf("got %v want ipv6", got)
	}
}

func TestNormalizeIP(t *testing.T) {
	v4 := normalizeIP(net.ParseIP("10.0.0.1"))
	if len(v4) != 4 {
		t.Fatalf("want 4-byte form, got %d bytes", len(v4))
	}
	v6 := normalizeIP(net.ParseIP("2001:db8::1"))
	if len(v6) != 16 {
		t.Fatalf("want 16-byte form, got %d bytes", len(v6))
	}
}
