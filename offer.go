package rtcendpoint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/xerrors"

	"github.com/lanikai/rtcendpoint/internal/dtlsio"
	"github.com/lanikai/rtcendpoint/internal/logging"
)

// localUsernameCharset is the printable-ASCII range slotToChar draws from.
// Its size (94) is the ceiling on OfferTable capacity: Config.MaxOffers
// must not exceed it for the slot<->char mapping to round-trip.
const localUsernameCharset = "!\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~"

// slotToChar and charToSlot implement spec.md Section 6's "local 8-byte ICE
// username with the first byte encoding the offer-slot index": a printable
// ASCII byte stands in one-to-one for a slot index so invariant #2
// (char-to-slot(slot-to-char(s)) == s) holds for every s < len(localUsernameCharset).
func slotToChar(slot int) byte { return localUsernameCharset[slot%len(localUsernameCharset)] }

func charToSlot(c byte) (int, bool) {
	i := strings.IndexByte(localUsernameCharset, c)
	if i < 0 {
		return 0, false
	}
	return i, true
}

// randomUsernameTail fills the 7 bytes of a local ICE username that follow
// the slot-encoding byte, drawn from the same printable charset (so the
// whole 8-byte username is safe to carry as a STUN USERNAME attribute and
// never collides with the ':' that separates local/remote fragments).
func randomUsernameTail() string {
	b := make([]byte, 7)
	rand.Read(b)
	out := make([]byte, 7)
	for i, v := range b {
		out[i] = localUsernameCharset[int(v)%len(localUsernameCharset)]
	}
	return string(out)
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func randomTiebreaker() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

var offerLog = logging.DefaultLogger.WithTag("offer")

// Candidate is one remote host candidate learned from a signaled offer
// block (spec.md Section 6): an IPv4 address and port, plus whether we have
// observed an authenticated binding request actually arrive from it
// (spec.md Section 4.2.8 -- only a "reachable" candidate may have an
// association created for it).
type Candidate struct {
	IP        [4]byte
	Port      uint16
	Reachable bool
}

// Addr renders the candidate as a *net.UDPAddr for socket I/O.
func (c Candidate) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(c.IP[0], c.IP[1], c.IP[2], c.IP[3]), Port: int(c.Port)}
}

func (c Candidate) matches(addr *net.UDPAddr) bool {
	if addr == nil || addr.Port != int(c.Port) {
		return false
	}
	ip4 := addr.IP.To4()
	return ip4 != nil && [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]} == c.IP
}

// candidateCheck tracks one remote candidate's outbound connectivity-check
// state during the controlling side's active probing (spec.md Section
// 4.2.4): up to two randomized-delay probes are sent, and a response marks
// the candidate as a nomination contender.
type candidateCheck struct {
	probesSent  int
	responded   bool
	respondedAt time.Time
}

// Offer is the single record spanning one prospective session's entire
// negotiation, from local credential generation through candidate discovery
// to the live Association it may be promoted to (spec.md Section 3).
type Offer struct {
	Slot int

	LocalUsername, LocalPassword   string
	RemoteUsername, RemotePassword string

	// RemoteCertSHA256 is the SHA-256 fingerprint of the peer's DTLS
	// certificate, carried in the signaled offer block and checked against
	// the certificate DTLS actually presents at handshake time (that check
	// itself belongs to the external DTLS collaborator -- see
	// internal/dtlsio -- this module only stores and exposes the pinned
	// value).
	RemoteCertSHA256 [32]byte

	RemoteCandidates     [8]Candidate
	RemoteCandidateCount int

	// PeerControlling and DTLSRole are both derived from the offer block's
	// flags field (spec.md Section 4.2.4): the DTLS client is always the
	// ICE-controlling side, so the two are complementary.
	PeerControlling bool
	DTLSRole        dtlsio.Role

	// Tiebreaker is this side's own 64-bit ICE role tie-breaker, generated
	// once at offer creation and carried unchanged into the Association it
	// promotes to (spec.md Section 3/4.2.5).
	Tiebreaker uint64

	usedCandidate [8]bool

	checkMu       sync.Mutex
	checksStarted bool
	checks        [8]candidateCheck

	CreatedAt    time.Time
	LastActivity time.Time

	// AssocSlot is >= 0 once a binding request has promoted this offer to
	// a live association; the offer slot itself is retained (not freed)
	// for the lifetime of that association so retransmitted binding
	// requests still resolve.
	AssocSlot int
}

func (o *Offer) expired(maxAge time.Duration, now time.Time) bool {
	return o.AssocSlot < 0 && now.Sub(o.LastActivity) > maxAge
}

// MatchCandidate returns the index of the remote candidate whose address
// matches addr, if any.
func (o *Offer) MatchCandidate(addr *net.UDPAddr) (int, bool) {
	for i := 0; i < o.RemoteCandidateCount; i++ {
		if o.RemoteCandidates[i].matches(addr) {
			return i, true
		}
	}
	return 0, false
}

// MarkReachable flags candidate idx as having been observed as the source
// of an authenticated binding request (spec.md Section 4.2.8).
func (o *Offer) MarkReachable(idx int) {
	if idx < 0 || idx >= o.RemoteCandidateCount {
		return
	}
	o.RemoteCandidates[idx].Reachable = true
}

// IsReachableSource reports whether addr matches a remote candidate already
// flagged reachable -- the gate the transport demux (via
// switchToReachableCandidate) applies before letting a new source address
// continue an association (spec.md Section 4.2.8).
func (o *Offer) IsReachableSource(addr *net.UDPAddr) bool {
	idx, ok := o.MatchCandidate(addr)
	return ok && o.RemoteCandidates[idx].Reachable
}

// startChecksOnce reports true the first time it is called for this offer,
// guarding against the active connectivity-check schedule being armed twice
// (spec.md Section 4.2.4 runs it exactly once per offer, on the controlling
// side only).
func (o *Offer) startChecksOnce() bool {
	o.checkMu.Lock()
	defer o.checkMu.Unlock()
	if o.checksStarted {
		return false
	}
	o.checksStarted = true
	return true
}

// recordCheckResponse marks candidate idx as having answered a connectivity
// check probe.
func (o *Offer) recordCheckResponse(idx int, at time.Time) {
	o.checkMu.Lock()
	defer o.checkMu.Unlock()
	if idx < 0 || idx >= len(o.checks) {
		return
	}
	o.checks[idx].responded = true
	o.checks[idx].respondedAt = at
}

// bestRespondedCandidate returns the lowest-index (highest-priority, see
// priorityForCandidateIndex) remote candidate that has answered a
// connectivity check, for the controlling side to nominate once
// ice.ConnectivityCheckWindow elapses.
func (o *Offer) bestRespondedCandidate() (int, bool) {
	o.checkMu.Lock()
	defer o.checkMu.Unlock()
	for i := 0; i < o.RemoteCandidateCount; i++ {
		if o.checks[i].responded {
			return i, true
		}
	}
	return 0, false
}

// SetRemoteOffer decodes an offer block received from the peer via the
// external signaling collaborator (spec.md Section 6) and populates every
// remote-derived field. It must be called before active connectivity
// checks can start, since the candidate list and DTLS role are learned from
// it rather than discovered via STUN. The tie-breaker is not part of the
// block; it stays the one Create generated locally.
func (o *Offer) SetRemoteOffer(block []byte) error {
	const minLen = 2 + 4 + 1
	if len(block) < minLen {
		return fmt.Errorf("rtcendpoint: offer block truncated (%d bytes)", len(block))
	}
	version := binary.BigEndian.Uint16(block[0:2])
	if version != 1 {
		return fmt.Errorf("rtcendpoint: offer block version %d unsupported", version)
	}
	flags := binary.BigEndian.Uint32(block[2:6])
	remoteIsServer := flags&1 != 0

	r := block[6:]
	if len(r) < 1 {
		return fmt.Errorf("rtcendpoint: offer block missing username length")
	}
	usernameLen := int(r[0])
	r = r[1:]
	if usernameLen != 8 || len(r) < usernameLen {
		return fmt.Errorf("rtcendpoint: offer block username field invalid")
	}
	username := string(r[:usernameLen])
	r = r[usernameLen:]

	if len(r) < 1 {
		return fmt.Errorf("rtcendpoint: offer block missing password length")
	}
	passwordLen := int(r[0])
	r = r[1:]
	if passwordLen < 0 || len(r) < passwordLen {
		return fmt.Errorf("rtcendpoint: offer block password field invalid")
	}
	password := string(r[:passwordLen])
	r = r[passwordLen:]

	if len(r) < 1 {
		return fmt.Errorf("rtcendpoint: offer block missing fingerprint length")
	}
	fpLen := int(r[0])
	r = r[1:]
	if fpLen != 32 || len(r) < fpLen {
		return fmt.Errorf("rtcendpoint: offer block fingerprint field invalid")
	}
	var fp [32]byte
	copy(fp[:], r[:fpLen])
	r = r[fpLen:]

	if len(r) < 1 {
		return fmt.Errorf("rtcendpoint: offer block missing candidate count")
	}
	count := int(r[0])
	r = r[1:]
	if count > 8 || len(r) < 6*count {
		return fmt.Errorf("rtcendpoint: offer block candidate list invalid (count=%d)", count)
	}

	var candidates [8]Candidate
	for i := 0; i < count; i++ {
		var c Candidate
		copy(c.IP[:], r[0:4])
		c.Port = binary.BigEndian.Uint16(r[4:6])
		candidates[i] = c
		r = r[6:]
	}
	// An optional trailing TURN-relayed candidate is encoded the same way
	// as a host candidate (4-byte IPv4 + 2-byte port) behind its own
	// length-prefix; anything else present is ignored rather than treated
	// as a parse error, since it is explicitly optional.
	if len(r) >= 1 {
		sockaddrLen := int(r[0])
		r = r[1:]
		if sockaddrLen == 6 && len(r) >= 6 && count < 8 {
			var c Candidate
			copy(c.IP[:], r[0:4])
			c.Port = binary.BigEndian.Uint16(r[4:6])
			candidates[count] = c
			count++
		}
	}

	o.RemoteUsername = username
	o.RemotePassword = password
	o.RemoteCertSHA256 = fp
	o.RemoteCandidates = candidates
	o.RemoteCandidateCount = count

	// DTLS client is always ICE-controlling (spec.md Section 4.2.4): if the
	// peer says it is the server, we are the client/controlling side, and
	// the peer itself is controlled (not PeerControlling).
	if remoteIsServer {
		o.DTLSRole = dtlsio.RoleClient
		o.PeerControlling = false
	} else {
		o.DTLSRole = dtlsio.RoleServer
		o.PeerControlling = true
	}
	return nil
}

// EncodeBlock serializes this offer's local side into the wire format
// SetRemoteOffer decodes, for the application to hand to its signaling
// collaborator (spec.md Section 6). localCertSHA256 is the endpoint's own
// DTLS certificate fingerprint; localIsServer reflects the DTLS role this
// side will play once the peer answers.
func (o *Offer) EncodeBlock(localCertSHA256 [32]byte, localIsServer bool, candidates []Candidate) []byte {
	if len(candidates) > 8 {
		candidates = candidates[:8]
	}
	buf := make([]byte, 0, 6+1+8+1+len(o.LocalPassword)+1+32+1+6*len(candidates))

	var version [2]byte
	binary.BigEndian.PutUint16(version[:], 1)
	buf = append(buf, version[:]...)

	var flags [4]byte
	if localIsServer {
		flags[3] = 1
	}
	buf = append(buf, flags[:]...)

	buf = append(buf, byte(len(o.LocalUsername)))
	buf = append(buf, []byte(o.LocalUsername)...)

	buf = append(buf, byte(len(o.LocalPassword)))
	buf = append(buf, []byte(o.LocalPassword)...)

	buf = append(buf, 32)
	buf = append(buf, localCertSHA256[:]...)

	buf = append(buf, byte(len(candidates)))
	for _, c := range candidates {
		buf = append(buf, c.IP[:]...)
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], c.Port)
		buf = append(buf, port[:]...)
	}
	return buf
}

// OfferTable is the fixed-capacity, slot-indexed offer store (spec.md
// Section 3). A slot's index doubles as byte 0 (high bit clear) of every
// STUN transaction ID the engine originates for this offer before it is
// promoted; once promoted, requests carry the association slot with the high
// bit set instead (see txnForOfferSlot and txnForAssocSlot).
type OfferTable struct {
	mu      sync.Mutex
	offers  []*Offer
	free    []int
	byLocal *lru.Cache // local username -> slot; bounds candidate/offer memory
	maxAge  time.Duration
}

// NewOfferTable allocates a table with the given capacity (< 128, and in
// practice <= len(localUsernameCharset) so every slot has a distinct
// username-encoding byte) and unclaimed-offer lifetime.
func NewOfferTable(capacity int, maxAge time.Duration) *OfferTable {
	t := &OfferTable{
		offers: make([]*Offer, capacity),
		maxAge: maxAge,
	}
	t.free = make([]int, capacity)
	for i := range t.free {
		t.free[i] = capacity - 1 - i
	}
	t.byLocal = lru.New(capacity)
	t.byLocal.OnEvicted = func(key lru.Key, value interface{}) {
		offerLog.Debug("offer: lru evicted stale local-username index entry %v", key)
	}
	return t
}

// Create allocates a new offer, deriving its local credentials from secret
// (spec.md Section 4.2.2: password = hex(SHA-256(username || secret)[0:16]),
// i.e. 32 hex characters). If the table is full it first evicts every
// expired, unclaimed offer.
func (t *OfferTable) Create(secret [32]byte, now time.Time) (*Offer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		t.evictExpiredLocked(now)
		if len(t.free) == 0 {
			return nil, xerrors.Errorf("offer: table at capacity %d: %w", len(t.offers), errNoFreeSlot)
		}
	}

	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	username := string(slotToChar(slot)) + randomUsernameTail()
	password := deriveCredential(secret, username)

	o := &Offer{
		Slot:          slot,
		LocalUsername: username,
		LocalPassword: password,
		Tiebreaker:    randomTiebreaker(),
		CreatedAt:     now,
		LastActivity:  now,
		AssocSlot:     -1,
	}
	t.offers[slot] = o
	t.byLocal.Add(username, slot)
	return o, nil
}

// deriveCredential implements the single-secret short-term credential
// scheme: every offer's password is a function of the one long-lived
// endpoint secret and that offer's own username, so no per-offer secret
// needs to be persisted or synchronized anywhere.
func deriveCredential(secret [32]byte, username string) string {
	h := sha256.New()
	h.Write([]byte(username))
	h.Write(secret[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// ByLocalUsername resolves the USERNAME attribute of an inbound binding
// request to its offer.
func (t *OfferTable) ByLocalUsername(username string) (*Offer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.byLocal.Get(username)
	if !ok {
		return nil, false
	}
	o := t.offers[v.(int)]
	if o == nil || o.LocalUsername != username {
		return nil, false
	}
	return o, true
}

// Touch bumps LastActivity so Tick's sweep doesn't expire a still-active
// offer, and records RemoteUsername the first time a binding request
// supplies one (offer reuse: a retransmitted binding request for the same
// remote ufrag must resolve to the same offer, not mint a new one).
// remotePassword is only ever non-empty when SetRemoteOffer has already
// populated it from the signaled offer block -- a STUN binding request
// never carries the peer's password, so this path cannot learn it itself.
func (t *OfferTable) Touch(o *Offer, remoteUsername, remotePassword string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o.LastActivity = now
	if o.RemoteUsername == "" && remoteUsername != "" {
		o.RemoteUsername = remoteUsername
	}
	if o.RemotePassword == "" && remotePassword != "" {
		o.RemotePassword = remotePassword
	}
}

// MarkCandidateUsed records that a binding request nominating local
// candidate index idx has been processed, returning false if it already
// was (the caller uses this to suppress duplicate nomination side effects).
func (o *Offer) MarkCandidateUsed(idx int) (firstTime bool) {
	if idx < 0 || idx >= len(o.usedCandidate) {
		return false
	}
	firstTime = !o.usedCandidate[idx]
	o.usedCandidate[idx] = true
	return firstTime
}

// Get returns the offer occupying slot, if any.
func (t *OfferTable) Get(slot int) (*Offer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.offers) || t.offers[slot] == nil {
		return nil, false
	}
	return t.offers[slot], true
}

// Release frees an offer's slot back to the pool. Called once the
// association it was promoted to tears down.
func (t *OfferTable) Release(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := t.offers[slot]
	if o == nil {
		return
	}
	t.offers[slot] = nil
	t.byLocal.Remove(o.LocalUsername)
	t.free = append(t.free, slot)
}

// Sweep evicts every unclaimed offer older than maxAge. Called once per
// Endpoint tick.
func (t *OfferTable) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked(now)
}

func (t *OfferTable) evictExpiredLocked(now time.Time) {
	for slot, o := range t.offers {
		if o == nil {
			continue
		}
		if o.expired(t.maxAge, now) {
			t.offers[slot] = nil
			t.byLocal.Remove(o.LocalUsername)
			t.free = append(t.free, slot)
		}
	}
}
