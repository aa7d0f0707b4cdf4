package udp_test

import (
	"net"
	"net/netip"
	"testing"

	"example.com/multiserversync/net/udp"
)

func TestAddrPortUnmaps(t *testing.T) {
	mapped := netip.MustParseAddrPort("[::ffff:10.0.0.1]:7000")
	got := udp.AddrPort(mapped)
	want := netip.MustParseAddrPort("10.0.0.1:7000")
	if got != want {
		t.Errorf("udp.AddrPort(%v) = %v; want %v", mapped, got, want)
	}
}

func TestSetDSCP(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("net.ListenUDP() failed: %v", err)
	}
	defer conn.Close()

	if err := udp.SetDSCP(conn, 46); err != nil {
		t.Errorf("udp.SetDSCP(46) = %v; want nil", err)
	}
	if err := udp.SetDSCP(conn, 64); err == nil {
		t.Errorf("udp.SetDSCP(64) succeeded")
	}
}
