package rtcendpoint

import (
	"net"

	"golang.org/x/net/ipv4"
)

// tuneSocket applies the socket options spec.md's transport layer depends
// on for correctness under real-world NATs and middleboxes: the
// Don't-Fragment bit (so path-MTU-sized STUN/DTLS/SCTP datagrams never
// silently fragment and confuse a NAT's flow tracking) and a best-effort
// DSCP marking for the relatively latency-sensitive data channel traffic.
// Mirrors the teacher's use of golang.org/x/net/ipv4 for its media sender's
// socket tuning.
func tuneSocket(conn *net.UDPConn) error {
	pc := ipv4.NewConn(conn)
	if err := pc.SetDontFragment(true); err != nil {
		// Not every platform/kernel exposes IP_MTU_DISCOVER; this is a
		// best-effort tuning, not a correctness requirement.
		log.Debug("rtcendpoint: SetDontFragment failed: %v", err)
	}
	if err := pc.SetTOS(dscpExpeditedForwarding << 2); err != nil {
		log.Debug("rtcendpoint: SetTOS failed: %v", err)
	}
	return nil
}

// dscpExpeditedForwarding is DSCP class EF (RFC 3246), used unshifted; TOS
// expects it in the top 6 bits of the field.
const dscpExpeditedForwarding = 0x2E
