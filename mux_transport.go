package rtcendpoint

import (
	"net"

	"github.com/lanikai/rtcendpoint/internal/mux"
)

// assocTransport gives one promoted association its own connected UDP
// socket, demultiplexed through internal/mux.Mux instead of the shared
// byAddr lookup in endpoint.go. Once ICE nomination fixes an association's
// remote address, every further datagram from that peer does arrive from
// exactly one 4-tuple -- precisely the case internal/mux.Mux (and its
// "give a penny, take a penny" Endpoint buffer exchange) was built to
// demultiplex, as opposed to demux.go's classify-by-source-map approach
// for the shared listening socket, which still has to handle traffic from
// many not-yet-nominated offers at once.
//
// The connected socket is dialed with SO_REUSEPORT against the endpoint's
// own listening port (see udpsocket_linux.go's dialPerAssocUDP), so the
// peer sees no change in the 4-tuple it's sending to.
type assocTransport struct {
	conn *net.UDPConn
	m    *mux.Mux

	stun *mux.Endpoint // post-nomination consent-freshness STUN traffic
	xprt *mux.Endpoint // DTLS/SCTP transport traffic
}

// newAssocTransport dials a connected socket to remote sharing localPort
// and wires up the two mux.Endpoints this module needs: one for STUN, one
// for everything classify() calls DTLS (i.e. the SCTP transport).
func newAssocTransport(localPort int, remote *net.UDPAddr) (*assocTransport, error) {
	conn, err := dialPerAssocUDP(localPort, remote)
	if err != nil {
		return nil, err
	}

	m := mux.NewMux(conn, maxDatagramSize)
	t := &assocTransport{conn: conn, m: m}
	t.stun = m.NewEndpoint(func(buf []byte) bool { return classify(buf) == kindSTUN })
	t.xprt = m.NewEndpoint(func(buf []byte) bool { return classify(buf) == kindDTLS })
	return t, nil
}

// run starts the two reader goroutines feeding this association's mux
// endpoints into the same handling logic the shared socket's readLoop
// uses. It returns immediately; both goroutines exit once the underlying
// mux.Mux (and so both endpoints) are closed.
func (t *assocTransport) run(onSTUN, onTransport func(data []byte)) {
	go relayEndpoint(t.stun, onSTUN)
	go relayEndpoint(t.xprt, onTransport)
}

func relayEndpoint(e *mux.Endpoint, handle func([]byte)) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := e.Read(buf)
		if err != nil {
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		handle(cp)
	}
}

// write sends b directly on the association's own connected socket,
// bypassing the shared listening socket entirely.
func (t *assocTransport) write(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t *assocTransport) Close() error { return t.m.Close() }
