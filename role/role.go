// Package role implements the leader-election and replication state machine:
// the only place broadcast and commit decisions are made. It depends on
// nothing but an abstract Registry and a callback set, so it runs and is
// tested with no sockets involved.
package role

import (
	"log/slog"
	"time"

	"github.com/unicitynetwork/ab-core/logger"
	"github.com/unicitynetwork/ab-core/wire"
)

// Timing parameters, measured against a monotonic nanosecond clock supplied
// by the caller (the node driver).
const (
	// HeartbeatMin is the minimum interval between leader heartbeats when idle.
	HeartbeatMin = 50 * time.Millisecond
	// RoundTimeout is the majority-collection window; missing it fails the
	// current role step.
	RoundTimeout = 300 * time.Millisecond
	// FollowerTimeout is the silence after which a follower promotes itself.
	FollowerTimeout = 1000 * time.Millisecond
)

// Quorum is the strict-majority-of-remaining threshold: clusterSize/2 with
// integer division, so a cluster of 3 needs 1 ack beyond the leader itself
// and a single-node cluster needs none.
func Quorum(clusterSize uint64) uint64 {
	return clusterSize / 2
}

// Kind identifies which of the three role variants is active. Exactly one is
// active at any observable point; Role enforces this by fully resetting the
// irrelevant fields on every transition rather than tracking the variants as
// separate types.
type Kind int

const (
	Follower Kind = iota
	PotentialLeader
	Leader
)

func (k Kind) String() string {
	switch k {
	case Follower:
		return "Follower"
	case PotentialLeader:
		return "PotentialLeader"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Registry is the abstract send surface the role state machine is driven
// through; netio.PeerRegistry is the concrete implementation used at
// runtime, and tests substitute a map-backed mock.
type Registry interface {
	SendToIndex(index int, flags uint8, body wire.Body)
	SendToID(id uint64, flags uint8, body wire.Body)
	Broadcast(flags uint8, body wire.Body)
}

// AppendCallback resolves a pending Append call: status is 0 on success and
// negative on failure.
type AppendCallback func(status int, data any)

// Callbacks is the host-visible event surface. Every field is optional; a
// nil field is simply never called.
type Callbacks struct {
	OnAppend         func(round uint64, data []byte)
	OnCommit         func(round uint64)
	GainedLeadership func()
	LostLeadership   func()
	OnLeaderChange   func(leaderID uint64)
}

// Role is the replication state machine. It must only be driven from a
// single goroutine; it performs no I/O itself.
type Role struct {
	id          uint64
	clusterSize uint64
	registry    Registry
	callbacks   Callbacks
	log         *slog.Logger
	metrics     *Metrics

	round uint64
	seq   uint64

	kind Kind

	// Follower-only.
	currentLeader    uint64
	lastLeaderActive uint64

	// PotentialLeader/Leader shared.
	lastBroadcast uint64
	acks          map[uint64]uint64

	// Follower (proposal awaiting ConfirmAppend) and Leader (proposal in flight).
	pendingRound uint64

	// Leader-only.
	clientCallback AppendCallback
	clientData     any
	appendStart    uint64
}

// Option configures optional Role dependencies.
type Option func(*Role)

// WithLogger attaches structured logging to internal state transitions.
func WithLogger(log *slog.Logger) Option {
	return func(r *Role) { r.log = logger.OrDiscard(log) }
}

// WithMetrics attaches prometheus counters/histograms; see Metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Role) { r.metrics = m }
}

// New constructs a Role in its initial state: a Follower with no known
// leader, round 0 and seq 0.
func New(id uint64, clusterSize uint64, registry Registry, callbacks Callbacks, opts ...Option) *Role {
	r := &Role{
		id:          id,
		clusterSize: clusterSize,
		registry:    registry,
		callbacks:   callbacks,
		log:         logger.Discard(),
		kind:        Follower,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetCommitted is the pre-run recovery hook: it restores round from
// host-durable storage before the node starts receiving traffic.
func (r *Role) SetCommitted(round uint64) {
	r.round = round
}

// --- observability for tests and hosts -------------------------------------

// Kind reports the currently active role variant.
func (r *Role) Kind() Kind { return r.kind }

// Round reports the last round this node has accepted as committed.
func (r *Role) Round() uint64 { return r.round }

// Seq reports the current heartbeat sequence number.
func (r *Role) Seq() uint64 { return r.seq }

// CurrentLeader reports the follower's accepted leader id, or 0.
// Meaningless outside Follower state.
func (r *Role) CurrentLeader() uint64 { return r.currentLeader }

// PendingRound reports the in-flight proposal round, or 0 if none.
func (r *Role) PendingRound() uint64 { return r.pendingRound }

// Acks returns a snapshot copy of the current ack map (PotentialLeader/Leader only).
func (r *Role) Acks() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(r.acks))
	for k, v := range r.acks {
		out[k] = v
	}
	return out
}

// HasPendingAppend reports whether an append callback is currently in flight.
func (r *Role) HasPendingAppend() bool { return r.clientCallback != nil }

// --- host-initiated operations ----------------------------------------------

// Append proposes content for the next round. now is the caller's monotonic
// clock reading, used to stamp the broadcast exactly like one issued from
// Periodic. cb is rejected with -1 when this node is not the leader and -2
// when another append is already in flight.
func (r *Role) Append(now uint64, content []byte, cb AppendCallback, data any) {
	if r.kind != Leader {
		if cb != nil {
			cb(-1, data)
		}
		return
	}
	if r.clientCallback != nil {
		if cb != nil {
			cb(-2, data)
		}
		return
	}
	r.clientCallback = cb
	r.clientData = data
	r.appendStart = now
	r.pendingRound = r.round + 1
	r.seq++
	r.registry.Broadcast(0, &wire.LeaderActive{
		ID: r.id, Seq: r.seq, Round: r.round,
		Next: r.pendingRound, NextContent: content,
	})
	r.lastBroadcast = now
	r.acks = make(map[uint64]uint64)
	r.observeBroadcast()
	r.log.Debug("append proposed", logger.NodeID(r.id), logger.Round(r.pendingRound), logger.Seq(r.seq))
}

// ConfirmAppend signals that the host has durably stored a previously
// delivered OnAppend round. A confirm for a round that is not the currently
// pending one, including a repeat of an already-confirmed round, is a
// harmless no-op.
func (r *Role) ConfirmAppend(round uint64) {
	if r.kind != Follower || r.pendingRound != round {
		return
	}
	r.registry.SendToID(r.currentLeader, 0, &wire.LeaderActiveAck{
		ID: r.id, Seq: r.seq, Round: round,
	})
	r.pendingRound = 0
}

// Abort resolves an in-flight append, if any, with a failure status. The
// node driver calls it during teardown so no host callback is left dangling.
func (r *Role) Abort() {
	r.failPendingAppend(0, -1)
}

// --- tick ---------------------------------------------------------------

// Periodic drives time-based transitions: follower promotion, candidate
// re-broadcast/promotion, and leader heartbeat/commit/step-down.
func (r *Role) Periodic(now uint64) {
	switch r.kind {
	case Follower:
		r.periodicFollower(now)
	case PotentialLeader:
		r.periodicPotentialLeader(now)
	case Leader:
		r.periodicLeader(now)
	}
}

func (r *Role) periodicFollower(now uint64) {
	if r.lastLeaderActive == 0 {
		r.lastLeaderActive = now
		return
	}
	if now-r.lastLeaderActive > uint64(FollowerTimeout.Nanoseconds()) {
		hadLeader := r.currentLeader != 0
		r.log.Debug("follower timed out, promoting to potential leader", logger.NodeID(r.id))
		r.becomePotentialLeader()
		if hadLeader {
			r.emitLeaderChange(0)
		}
	}
}

func (r *Role) periodicPotentialLeader(now uint64) {
	if now-r.lastBroadcast <= uint64(RoundTimeout.Nanoseconds()) {
		return
	}
	if uint64(len(r.acks)) >= Quorum(r.clusterSize) {
		r.kind = Leader
		r.log.Debug("gained leadership", logger.NodeID(r.id), logger.Round(r.round))
		r.emitGainedLeadership()
		// The new leader owns the next round.
		r.round++
		return
	}
	r.seq++
	r.acks = make(map[uint64]uint64)
	r.registry.Broadcast(0, &wire.LeaderActive{ID: r.id, Seq: r.seq, Round: r.round})
	r.lastBroadcast = now
	r.observeBroadcast()
}

func (r *Role) periodicLeader(now uint64) {
	if r.pendingRound == 0 && now-r.lastBroadcast < uint64(HeartbeatMin.Nanoseconds()) {
		return
	}
	if uint64(len(r.acks)) >= Quorum(r.clusterSize) {
		maxRound := r.round
		for _, v := range r.acks {
			if v > maxRound {
				maxRound = v
			}
		}
		votesForMax := uint64(0)
		for _, v := range r.acks {
			if v == maxRound {
				votesForMax++
			}
		}

		if r.pendingRound != 0 {
			lostQuorum := r.clusterSize > 1 && (maxRound != r.pendingRound || votesForMax < Quorum(r.clusterSize))
			if lostQuorum {
				r.observeQuorumFailure()
				r.failPendingAppend(now, -1)
				r.log.Debug("append failed to gather quorum, stepping back", logger.Round(r.pendingRound))
				r.becomePotentialLeader()
				return
			}
			r.succeedPendingAppend(now)
			r.round = r.pendingRound
			r.pendingRound = 0
			r.emitCommit(r.round)
		} else {
			if maxRound > r.round {
				r.round = maxRound
				r.emitCommit(r.round)
			}
		}

		r.seq++
		r.registry.Broadcast(0, &wire.LeaderActive{ID: r.id, Seq: r.seq, Round: r.round})
		r.lastBroadcast = now
		r.acks = make(map[uint64]uint64)
		r.observeBroadcast()
		return
	}

	if now-r.lastBroadcast > uint64(RoundTimeout.Nanoseconds()) {
		r.observeQuorumFailure()
		r.failPendingAppend(now, -1)
		r.log.Debug("lost majority, stepping down", logger.NodeID(r.id))
		r.emitLostLeadership()
		r.becomePotentialLeader()
	}
}

// --- inbound messages --------------------------------------------------

// HandleLeaderActive dispatches an inbound LeaderActive heartbeat/proposal.
func (r *Role) HandleLeaderActive(now uint64, source int, m *wire.LeaderActive) {
	switch r.kind {
	case Follower:
		r.followerHandleLeaderActive(now, source, m)
	case PotentialLeader:
		r.potentialLeaderHandleLeaderActive(now, source, m)
	case Leader:
		r.leaderHandleLeaderActive(now, source, m)
	}
}

func (r *Role) followerHandleLeaderActive(now uint64, source int, m *wire.LeaderActive) {
	if m.ID > r.id {
		// Less authoritative sender: only catch up round, abandon any
		// proposal it was trying to drive.
		if m.Round > r.round {
			r.round = m.Round
			r.emitCommit(r.round)
		}
		r.pendingRound = 0
		return
	}

	if r.currentLeader > m.ID || r.currentLeader == 0 {
		r.currentLeader = m.ID
		r.pendingRound = 0
		r.emitLeaderChange(m.ID)
	} else if r.currentLeader < m.ID {
		// Strictly less authoritative than our accepted leader: ignore.
		return
	}

	if m.Round > r.round {
		r.round = m.Round
		r.emitCommit(r.round)
	}

	if r.pendingRound != 0 {
		// A prior proposal isn't yet confirmed durable; drop entirely.
		return
	}

	if m.Next != 0 {
		r.seq = m.Seq
		r.pendingRound = m.Next
		r.emitAppend(m.Next, m.NextContent)
		return
	}

	r.registry.SendToIndex(source, 0, &wire.LeaderActiveAck{ID: r.id, Seq: m.Seq, Round: r.round})
	r.lastLeaderActive = now
}

func (r *Role) potentialLeaderHandleLeaderActive(now uint64, source int, m *wire.LeaderActive) {
	if m.ID < r.id {
		r.resetToFollower(m.ID)
		r.emitLeaderChange(m.ID)
		r.followerHandleLeaderActive(now, source, m)
		return
	}
	if m.Round > r.round {
		r.round = m.Round
	}
}

func (r *Role) leaderHandleLeaderActive(now uint64, source int, m *wire.LeaderActive) {
	if m.ID < r.id {
		r.failPendingAppend(now, -1)
		r.emitLostLeadership()
		r.resetToFollower(m.ID)
		r.emitLeaderChange(m.ID)
		r.followerHandleLeaderActive(now, source, m)
		return
	}
	if m.Round > r.round {
		r.round = m.Round
	}
}

// HandleLeaderActiveAck records an ack against the current broadcast,
// ignoring any whose seq does not match the broadcast that elicited it.
func (r *Role) HandleLeaderActiveAck(m *wire.LeaderActiveAck) {
	if r.kind == Follower {
		return
	}
	if m.Seq != r.seq {
		r.observeAckRejected()
		return
	}
	if r.acks == nil {
		r.acks = make(map[uint64]uint64)
	}
	r.acks[m.ID] = m.Round
	r.observeAckAccepted()
}

// --- transitions ---------------------------------------------------------

func (r *Role) becomePotentialLeader() {
	r.kind = PotentialLeader
	r.acks = make(map[uint64]uint64)
	r.lastBroadcast = 0
	r.currentLeader = 0
	r.pendingRound = 0
	r.clientCallback = nil
	r.clientData = nil
	r.appendStart = 0
	r.observeTransition()
}

func (r *Role) resetToFollower(leaderID uint64) {
	r.kind = Follower
	r.currentLeader = leaderID
	r.lastLeaderActive = 0
	r.pendingRound = 0
	r.acks = nil
	r.lastBroadcast = 0
	r.clientCallback = nil
	r.clientData = nil
	r.appendStart = 0
	r.observeTransition()
}

// --- callback plumbing ----------------------------------------------------

func (r *Role) failPendingAppend(now uint64, status int) {
	if r.clientCallback == nil {
		return
	}
	r.observeAppendLatency(now)
	cb, data := r.clientCallback, r.clientData
	r.clientCallback, r.clientData = nil, nil
	cb(status, data)
}

func (r *Role) succeedPendingAppend(now uint64) {
	if r.clientCallback == nil {
		return
	}
	r.observeAppendLatency(now)
	cb, data := r.clientCallback, r.clientData
	r.clientCallback, r.clientData = nil, nil
	cb(0, data)
}

func (r *Role) emitAppend(round uint64, content []byte) {
	if r.callbacks.OnAppend != nil {
		r.callbacks.OnAppend(round, content)
	}
}

func (r *Role) emitLeaderChange(leaderID uint64) {
	if r.callbacks.OnLeaderChange != nil {
		r.callbacks.OnLeaderChange(leaderID)
	}
}

func (r *Role) emitGainedLeadership() {
	if r.callbacks.GainedLeadership != nil {
		r.callbacks.GainedLeadership()
	}
	r.observeTransition()
}

func (r *Role) emitLostLeadership() {
	if r.callbacks.LostLeadership != nil {
		r.callbacks.LostLeadership()
	}
}

func (r *Role) emitCommit(round uint64) {
	if r.callbacks.OnCommit != nil {
		r.callbacks.OnCommit(round)
	}
}
