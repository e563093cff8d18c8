// +build linux

package rtcendpoint

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenUDP binds cfg.LocalUDPAddr, applying SO_REUSEPORT first when
// cfg.SharedPort is set.
func listenUDP(cfg Config) (*net.UDPConn, error) {
	if !cfg.SharedPort {
		return net.ListenUDP("udp", cfg.LocalUDPAddr)
	}

	lc := listenConfigReusePort()
	pc, err := lc.ListenPacket(context.Background(), "udp", cfg.LocalUDPAddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// dialPerAssocUDP opens a connected UDP socket to remote sharing the
// endpoint's own listening port via SO_REUSEPORT, so a promoted
// association's traffic can be split off onto its own internal/mux.Mux
// instance (see mux_transport.go) while still appearing to the peer to
// come from the same address the offer advertised.
func dialPerAssocUDP(localPort int, remote *net.UDPAddr) (*net.UDPConn, error) {
	d := net.Dialer{
		LocalAddr: &net.UDPAddr{Port: localPort},
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	conn, err := d.Dial("udp", remote.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

// listenConfigReusePort builds a net.ListenConfig whose Control hook sets
// SO_REUSEPORT before bind, so the sample driver (cmd/rtcendpointd) can run
// multiple endpoint processes sharing one port for local scenario testing
// without fighting over the bind. Mirrors the teacher's
// golang.org/x/sys/unix usage for platform-specific socket options.
func listenConfigReusePort() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
}
