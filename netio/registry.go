package netio

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/unicitynetwork/ab-core/logger"
	"github.com/unicitynetwork/ab-core/wire"
)

// Registry is the abstract surface the role state machine sends through. It
// never exposes a Peer or a socket, so the state machine stays unit-testable
// without I/O.
type Registry interface {
	SendToIndex(index int, flags uint8, body wire.Body)
	SendToID(id uint64, flags uint8, body wire.Body)
	Broadcast(flags uint8, body wire.Body)
}

// PeerRegistry is the concrete Registry: an index-to-peer map with
// monotonically allocated indices and an id lookup on top.
type PeerRegistry struct {
	mu        sync.RWMutex
	selfID    uint64
	peers     map[int]*Peer
	nextIndex int
	log       *slog.Logger
}

// NewPeerRegistry constructs an empty registry for a node identified by selfID.
func NewPeerRegistry(selfID uint64, log *slog.Logger) *PeerRegistry {
	return &PeerRegistry{
		selfID: selfID,
		peers:  make(map[int]*Peer),
		log:    logger.OrDiscard(log),
	}
}

// Register allocates a fresh index for peer and stores it.
func (r *PeerRegistry) Register(peer *Peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := r.nextIndex
	r.nextIndex++
	peer.SetIndex(index)
	r.peers[index] = peer
	return index
}

// SetIdentity records identity for the peer at index and reconciles
// duplicate remote ids: when a slot with a lower index already carries id,
// the live connection at index is adopted into the lowest such slot, so
// handlers holding the original index keep working, and the slot at index is
// left for Cleanup to reap. Slots with a higher index are not considered: if
// every other slot carrying id was registered after index, nothing is merged
// and all of them stay registered.
func (r *PeerRegistry) SetIdentity(index int, id uint64, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[index]
	if !ok {
		return
	}
	peer.SetIdentity(id, address)

	var canonicalIdx = -1
	for i := range r.peers {
		if i == index {
			continue
		}
		other := r.peers[i]
		if other.ID() == id && i < index {
			if canonicalIdx == -1 || i < canonicalIdx {
				canonicalIdx = i
			}
		}
	}
	if canonicalIdx == -1 {
		return
	}
	canonical := r.peers[canonicalIdx]
	canonical.AdoptFrom(peer)
	r.log.Debug("merged duplicate peer connection",
		logger.PeerIndex(canonicalIdx), slog.Uint64("remote_id", id))
}

// SendToIndex is best-effort: an unknown or inactive index is silently ignored.
func (r *PeerRegistry) SendToIndex(index int, flags uint8, body wire.Body) {
	r.mu.RLock()
	peer, ok := r.peers[index]
	r.mu.RUnlock()
	if ok {
		peer.Send(flags, body)
	}
}

// SendToID sends to every peer slot currently identified with id (normally
// exactly one, post-dedup).
func (r *PeerRegistry) SendToID(id uint64, flags uint8, body wire.Body) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.peers {
		if peer.ID() == id {
			peer.Send(flags, body)
		}
	}
}

// Broadcast sends to every registered peer.
func (r *PeerRegistry) Broadcast(flags uint8, body wire.Body) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.peers {
		peer.Send(flags, body)
	}
}

// Cleanup removes slots whose peer reports Done().
func (r *PeerRegistry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, peer := range r.peers {
		if peer.Done() {
			delete(r.peers, i)
		}
	}
}

// TrustedAfter returns the smallest known peer id >= id, or 0 if none is
// known. Used to pick the next trust candidate.
func (r *PeerRegistry) TrustedAfter(id uint64) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.peers))
	for _, peer := range r.peers {
		if pid := peer.ID(); pid != 0 {
			ids = append(ids, pid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, candidate := range ids {
		if candidate >= id {
			return candidate
		}
	}
	return 0
}

// ReconnectAll walks every valid-but-inactive peer and re-dials it if its
// backoff window has elapsed.
func (r *PeerRegistry) ReconnectAll(ctx context.Context, onConnected func(*Peer)) {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()
	now := time.Now()
	for _, p := range peers {
		p.MaybeReconnect(ctx, now, onConnected)
	}
}

// Peers returns a snapshot slice of the currently registered peers, used by
// the node driver's shutdown cascade.
func (r *PeerRegistry) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
