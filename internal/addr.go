package internal

import (
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
)

// Addr is an IP address plus port, used throughout this package for the
// "local endpoint" / "remote endpoint" pairs spec §3/§6 describe. It is the
// stable, engine-independent shape the public API exposes; internally it
// converts to and from tcpip.FullAddress at the engine boundary.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

func fullAddrToAddr(fa tcpip.FullAddress) Addr {
	return Addr{IP: append(net.IP(nil), fa.Addr.AsSlice()...), Port: fa.Port}
}

func addrToFullAddr(a Addr, nic tcpip.NICID) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  nic,
		Addr: tcpip.AddrFromSlice(normalizeIP(a.IP)),
		Port: a.Port,
	}
}

// normalizeIP returns the 4-byte form for IPv4 addresses (including
// v4-in-v6 mapped addresses) and the 16-byte form otherwise, matching what
// tcpip.AddrFromSlice expects to build a correctly-sized tcpip.Address.
func normalizeIP(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return []byte(v4)
	}
	return []byte(ip.To16())
}

func netProtoFor(ip net.IP) tcpip.NetworkProtocolNumber {
	if ip.To4() != nil {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

// parseIP recovers a net.IP from the string form stored in a flowKey. It
// never fails on a key this package produced itself.
func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
