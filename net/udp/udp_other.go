//go:build !linux && !darwin

package udp

import (
	"net"
)

func SetDSCP(conn *net.UDPConn, dscp uint8) error {
	if dscp > MaxDSCP {
		return errInvalidDSCP
	}
	return nil
}
