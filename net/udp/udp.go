package udp

import (
	"errors"
	"net"
	"net/netip"
)

const (
	HdrLen = 8

	MaxDSCP = 63
)

var errInvalidDSCP = errors.New("invalid DSCP value")

// AddrPort returns the unmapped address of a, so that IPv4 peers reached
// through dual-stack sockets compare equal to their configured addresses.
func AddrPort(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

func UDPAddr(a netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a)
}
