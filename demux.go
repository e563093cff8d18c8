package rtcendpoint

import (
	"sync"

	"github.com/lanikai/rtcendpoint/internal/logging"
)

var demuxLog = logging.DefaultLogger.WithTag("demux")

// packetKind is the outcome of classifying one inbound UDP datagram,
// following RFC 7983's first-byte demultiplexing scheme restricted to the
// two protocols this module terminates itself (spec.md Section 4.1): STUN
// requests/responses/indications, and DTLS records carrying the SCTP
// association traffic. Anything else (RTP/RTCP, ZRTP) is out of scope and
// dropped.
type packetKind int

const (
	kindUnknown packetKind = iota
	kindSTUN
	kindDTLS
)

// classify inspects the first byte of a datagram per RFC 7983 Section 7:
// values 0-3 are STUN, values 20-63 are DTLS.
func classify(b []byte) packetKind {
	if len(b) == 0 {
		return kindUnknown
	}
	switch {
	case b[0] <= 3:
		return kindSTUN
	case b[0] >= 20 && b[0] <= 63:
		return kindDTLS
	default:
		return kindUnknown
	}
}

// bufferPool recycles read buffers for the shared listening socket, the
// same "give a penny, take a penny" idea internal/mux.Mux uses for its
// per-endpoint buffers -- adapted here to a sync.Pool because the shared
// socket fans packets out by source address over one unconnected
// net.PacketConn serving every not-yet-nominated offer at once, rather than
// the one net.Conn per peer mux.Mux assumes. Once an offer is promoted,
// mux_transport.go hands its traffic to a real mux.Mux instance over a
// connected per-association socket instead.
var bufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, maxDatagramSize) },
}

const maxDatagramSize = 2048

func getBuffer() []byte  { return bufferPool.Get().([]byte) }
func putBuffer(b []byte) { bufferPool.Put(b[:cap(b)]) }
