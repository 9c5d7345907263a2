package p2p

import (
	"fmt"
	"math/rand"

	"lumenchain/crypto"
)

// PendingID identifies a connection attempt whose handshake has not finished.
// PendingID and ConnectionID are distinct types on purpose: a pending slot is
// consumed by promotion and the two identifier spaces must never be confused.
type PendingID uint64

// ConnectionID identifies an established connection.
type ConnectionID uint64

// PeersetConfig configures a Peerset.
type PeersetConfig struct {
	// RandomnessSeed seeds the selection used by RandomNotConnected.
	RandomnessSeed int64
	// NumOverlays is the number of logical sub-networks tracked. Overlay 0
	// is the bootstrap set.
	NumOverlays int
}

// Peerset records every known peer identity, its known addresses, overlay
// memberships, and the state of all pending and established connections.
//
// The structure performs no locking of its own: the network service owns it
// behind a mutex and background tasks never touch it directly. All failure
// modes are value-level; callers check for absence before dereferencing an
// identifier.
type Peerset struct {
	rng         *rand.Rand
	numOverlays int

	peers       map[crypto.PeerID]*peerRecord
	pending     map[PendingID]*pendingSlot
	established map[ConnectionID]*establishedSlot

	nextPending PendingID
	nextConn    ConnectionID
}

// peerRecord is created on first reference and never implicitly destroyed.
type peerRecord struct {
	addrs       []Multiaddr
	overlays    map[int]struct{}
	pending     map[PendingID]struct{}
	connections map[ConnectionID]struct{}
}

type pendingSlot struct {
	peer     crypto.PeerID // empty for inbound attempts, pre-identity
	target   Multiaddr     // zero for inbound attempts
	userData any
}

type establishedSlot struct {
	peer     crypto.PeerID
	userData any
}

// NewPeerset builds an empty peerset.
func NewPeerset(cfg PeersetConfig) *Peerset {
	if cfg.NumOverlays <= 0 {
		cfg.NumOverlays = 1
	}
	return &Peerset{
		rng:         rand.New(rand.NewSource(cfg.RandomnessSeed)),
		numOverlays: cfg.NumOverlays,
		peers:       make(map[crypto.PeerID]*peerRecord),
		pending:     make(map[PendingID]*pendingSlot),
		established: make(map[ConnectionID]*establishedSlot),
	}
}

func (ps *Peerset) peer(id crypto.PeerID) *peerRecord {
	rec, ok := ps.peers[id]
	if !ok {
		rec = &peerRecord{
			overlays:    make(map[int]struct{}),
			pending:     make(map[PendingID]struct{}),
			connections: make(map[ConnectionID]struct{}),
		}
		ps.peers[id] = rec
	}
	return rec
}

// Known reports whether the peer has a record, connected or not.
func (ps *Peerset) Known(id crypto.PeerID) bool {
	_, ok := ps.peers[id]
	return ok
}

// AddKnownAddress records an address for a peer, creating the peer record on
// first reference. Adding an address twice is a no-op.
func (ps *Peerset) AddKnownAddress(id crypto.PeerID, addr Multiaddr) {
	rec := ps.peer(id)
	for _, known := range rec.addrs {
		if known == addr {
			return
		}
	}
	rec.addrs = append(rec.addrs, addr)
}

// RemoveKnownAddress forgets an address. Removing an absent address is a
// no-op.
func (ps *Peerset) RemoveKnownAddress(id crypto.PeerID, addr Multiaddr) {
	rec, ok := ps.peers[id]
	if !ok {
		return
	}
	for i, known := range rec.addrs {
		if known == addr {
			rec.addrs = append(rec.addrs[:i], rec.addrs[i+1:]...)
			return
		}
	}
}

// KnownAddresses returns a copy of the peer's known addresses.
func (ps *Peerset) KnownAddresses(id crypto.PeerID) []Multiaddr {
	rec, ok := ps.peers[id]
	if !ok {
		return nil
	}
	return append([]Multiaddr(nil), rec.addrs...)
}

// AddToOverlay marks the peer as a member of the given overlay.
func (ps *Peerset) AddToOverlay(id crypto.PeerID, overlay int) error {
	if overlay < 0 || overlay >= ps.numOverlays {
		return fmt.Errorf("overlay %d out of range", overlay)
	}
	ps.peer(id).overlays[overlay] = struct{}{}
	return nil
}

// RandomNotConnected picks a uniformly random member of the overlay that has
// neither an established nor a pending connection. The second return value is
// false when no peer is eligible.
func (ps *Peerset) RandomNotConnected(overlay int) (crypto.PeerID, bool) {
	var eligible []crypto.PeerID
	for id, rec := range ps.peers {
		if _, ok := rec.overlays[overlay]; !ok {
			continue
		}
		if len(rec.pending) != 0 || len(rec.connections) != 0 {
			continue
		}
		eligible = append(eligible, id)
	}
	if len(eligible) == 0 {
		return "", false
	}
	return eligible[ps.rng.Intn(len(eligible))], true
}

// AddOutboundAttempt registers a new dial attempt against one of the peer's
// addresses, minting a PendingID and attaching the caller's user data. It
// refuses to register a second concurrent attempt for the same
// (peer, address) pair.
func (ps *Peerset) AddOutboundAttempt(id crypto.PeerID, target Multiaddr, userData any) (PendingID, error) {
	rec := ps.peer(id)
	for pid := range rec.pending {
		if ps.pending[pid].target == target {
			return 0, fmt.Errorf("dial to %s already pending for peer %s", target, id)
		}
	}
	ps.nextPending++
	pid := ps.nextPending
	ps.pending[pid] = &pendingSlot{peer: id, target: target, userData: userData}
	rec.pending[pid] = struct{}{}
	return pid, nil
}

// AddInboundAttempt registers an accepted socket whose remote identity is not
// yet known. The slot is associated with a peer only upon promotion.
func (ps *Peerset) AddInboundAttempt(userData any) PendingID {
	ps.nextPending++
	pid := ps.nextPending
	ps.pending[pid] = &pendingSlot{userData: userData}
	return pid
}

// RemovePending destroys a pending slot (handshake failure) and returns its
// user data.
func (ps *Peerset) RemovePending(pid PendingID) (any, bool) {
	slot, ok := ps.pending[pid]
	if !ok {
		return nil, false
	}
	delete(ps.pending, pid)
	if slot.peer != "" {
		delete(ps.peers[slot.peer].pending, pid)
	}
	return slot.userData, true
}

// RemoveAndPurge destroys a pending slot and, for outbound attempts, forgets
// the address that failed so slot filling does not immediately redial it.
func (ps *Peerset) RemoveAndPurge(pid PendingID) (any, bool) {
	slot, ok := ps.pending[pid]
	if !ok {
		return nil, false
	}
	data, ok := ps.RemovePending(pid)
	if slot.peer != "" && !slot.target.IsZero() {
		ps.RemoveKnownAddress(slot.peer, slot.target)
	}
	return data, ok
}

// Promote consumes a pending slot once the handshake has yielded a verified
// identity and mints a fresh ConnectionID carrying the same user data. A
// PendingID can be promoted at most once; a second attempt fails because the
// slot no longer exists.
func (ps *Peerset) Promote(pid PendingID, peer crypto.PeerID) (ConnectionID, error) {
	slot, ok := ps.pending[pid]
	if !ok {
		return 0, fmt.Errorf("pending slot %d not found", pid)
	}
	delete(ps.pending, pid)
	if slot.peer != "" {
		delete(ps.peers[slot.peer].pending, pid)
	}
	ps.nextConn++
	cid := ps.nextConn
	ps.established[cid] = &establishedSlot{peer: peer, userData: slot.userData}
	ps.peer(peer).connections[cid] = struct{}{}
	return cid, nil
}

// RemoveConnection destroys an established slot on disconnect detection.
func (ps *Peerset) RemoveConnection(cid ConnectionID) (any, bool) {
	slot, ok := ps.established[cid]
	if !ok {
		return nil, false
	}
	delete(ps.established, cid)
	delete(ps.peers[slot.peer].connections, cid)
	return slot.userData, true
}

// ConnectionUserData returns the user data attached to an established
// connection.
func (ps *Peerset) ConnectionUserData(cid ConnectionID) (any, bool) {
	slot, ok := ps.established[cid]
	if !ok {
		return nil, false
	}
	return slot.userData, true
}

// ConnectionPeer returns the identity an established connection belongs to.
func (ps *Peerset) ConnectionPeer(cid ConnectionID) (crypto.PeerID, bool) {
	slot, ok := ps.established[cid]
	if !ok {
		return "", false
	}
	return slot.peer, true
}

// FirstConnection returns any established connection to the peer.
func (ps *Peerset) FirstConnection(id crypto.PeerID) (ConnectionID, bool) {
	rec, ok := ps.peers[id]
	if !ok {
		return 0, false
	}
	for cid := range rec.connections {
		return cid, true
	}
	return 0, false
}

// NumEstablished counts established connections, inbound and outbound alike.
func (ps *Peerset) NumEstablished() int {
	return len(ps.established)
}
