//go:build linux || darwin

package udp

import (
	"net"

	"golang.org/x/sys/unix"
)

// SetDSCP marks all packets sent on conn with the given Differentiated
// Services Codepoint.
func SetDSCP(conn *net.UDPConn, dscp uint8) error {
	if dscp > MaxDSCP {
		return errInvalidDSCP
	}
	if dscp == 0 {
		return nil
	}
	sconn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tos := int(dscp << 2)
	ipv6 := false
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok && a.IP.To4() == nil {
		ipv6 = true
	}
	var res struct {
		err error
	}
	err = sconn.Control(func(fd uintptr) {
		if ipv6 {
			res.err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		} else {
			res.err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		}
	})
	if err != nil {
		return err
	}
	return res.err
}
