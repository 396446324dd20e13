// Package netio implements peer connections and the peer registry: the
// framing/I/O layer the role state machine talks to only through an abstract
// send interface, so the state machine itself never touches a socket. Each
// Peer owns one read goroutine that decodes frames off the wire and forwards
// them to the node driver's single inbound channel; everything that mutates
// role state happens on the driver's loop goroutine, never here.
package netio

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicitynetwork/ab-core/logger"
	"github.com/unicitynetwork/ab-core/wire"
)

// ReconnectInterval is the minimum spacing between reconnect attempts for a
// valid-but-inactive peer.
const ReconnectInterval = 3 * time.Second

// readChunkSize bounds one Read() call; the peer's buffer grows only as far
// as the largest frame it has actually seen.
const readChunkSize = 4096

// Envelope tags a decoded frame with the registry-local index of the peer it
// arrived on.
type Envelope struct {
	Source int
	Frame  *wire.Frame
}

// Peer is one directed TCP connection plus its read buffer and reconnect
// bookkeeping. Its fields are only ever mutated on the connection's own
// read/dial goroutines or under mu; callers use the accessor methods.
type Peer struct {
	mu sync.Mutex

	index   int
	id      uint64
	address string
	active  bool
	valid   bool

	conn    net.Conn
	codec   *wire.Codec
	metrics *Metrics
	readBuf []byte

	lastReconnect time.Time
	generation    uuid.UUID

	// epoch and readDone guard the handoff of a connection's read goroutine
	// across AdoptFrom: each call to startReadLoop bumps epoch and hands its
	// goroutine a private copy, so a goroutine started for a connection this
	// Peer no longer owns notices and exits instead of mutating state a
	// newer goroutine (or AdoptFrom itself) now owns.
	epoch    uint64
	readDone chan struct{}

	inbox chan<- Envelope
	log   *slog.Logger

	dialing bool
}

// NewInbound wraps an already-accepted connection. It starts active and
// begins reading immediately.
func NewInbound(conn net.Conn, codec *wire.Codec, metrics *Metrics, inbox chan<- Envelope, log *slog.Logger) *Peer {
	gen := uuid.New()
	p := &Peer{
		conn:       conn,
		codec:      codec,
		metrics:    metrics,
		active:     true,
		valid:      false,
		generation: gen,
		inbox:      inbox,
		log:        peerLogger(log, gen),
	}
	p.startReadLoop()
	return p
}

// NewOutbound creates a peer for a known address that has not connected yet.
// The caller (the node driver) is expected to call Dial to initiate the
// connection; on success the peer flips active, starts reading, and the
// caller sends its own Ident.
func NewOutbound(address string, codec *wire.Codec, metrics *Metrics, inbox chan<- Envelope, log *slog.Logger) *Peer {
	gen := uuid.New()
	return &Peer{
		address:    address,
		codec:      codec,
		metrics:    metrics,
		active:     false,
		valid:      true,
		generation: gen,
		inbox:      inbox,
		log:        peerLogger(log, gen),
	}
}

// peerLogger stamps every log line the peer produces with its generation
// tag, so output correlates across reconnects and connection adoption even
// when the index or remote id changes hands.
func peerLogger(log *slog.Logger, gen uuid.UUID) *slog.Logger {
	return logger.OrDiscard(log).With(slog.String("generation", gen.String()))
}

// Dial attempts to establish the outbound connection. onConnected is invoked
// once, on success, on the dial goroutine, not on the node's loop goroutine;
// it is typically used to send the local node's Ident.
func (p *Peer) Dial(ctx context.Context, onConnected func(*Peer)) {
	p.mu.Lock()
	if p.active || p.dialing {
		p.mu.Unlock()
		return
	}
	p.dialing = true
	addr := p.address
	p.lastReconnect = time.Now()
	p.mu.Unlock()

	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		p.mu.Lock()
		p.dialing = false
		if err != nil {
			p.mu.Unlock()
			p.log.Debug("outbound connect failed", slog.String("address", addr), slog.Any("error", err))
			return
		}
		if !p.valid {
			// Peer was invalidated while the dial was in flight.
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.conn = conn
		p.active = true
		p.mu.Unlock()
		p.startReadLoop()
		if onConnected != nil {
			onConnected(p)
		}
	}()
}

// MaybeReconnect re-dials a valid, inactive peer no more than once per
// ReconnectInterval.
func (p *Peer) MaybeReconnect(ctx context.Context, now time.Time, onConnected func(*Peer)) {
	p.mu.Lock()
	needsDial := p.valid && !p.active && !p.dialing && now.Sub(p.lastReconnect) > ReconnectInterval
	p.mu.Unlock()
	if needsDial {
		p.Dial(ctx, onConnected)
	}
}

// startReadLoop bumps the peer's epoch and spawns a read goroutine bound to
// it. Only one read goroutine is ever live for a given epoch; AdoptFrom uses
// the epoch bump plus readDone to force the previous goroutine (if any) to
// exit before a newer one is allowed to touch p.conn/p.readBuf.
func (p *Peer) startReadLoop() {
	p.mu.Lock()
	p.epoch++
	epoch := p.epoch
	done := make(chan struct{})
	p.readDone = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.readLoop(epoch)
	}()
}

func (p *Peer) readLoop(epoch uint64) {
	buf := make([]byte, readChunkSize)
	for {
		p.mu.Lock()
		if p.epoch != epoch {
			p.mu.Unlock()
			return
		}
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		p.mu.Lock()
		if p.epoch != epoch {
			// Superseded mid-read: AdoptFrom interrupted us via
			// SetReadDeadline to reclaim this connection. The new owner,
			// not this goroutine, owns readBuf/conn from here on.
			p.mu.Unlock()
			return
		}
		index := p.index
		if n > 0 {
			p.readBuf = append(p.readBuf, buf[:n]...)
		}
		p.mu.Unlock()
		if n > 0 {
			p.metrics.observeRead(index, n)
			p.drainFrames(epoch)
		}
		if err != nil {
			p.markInactiveIfCurrent(epoch)
			return
		}
	}
}

// drainFrames decodes as many complete frames as are currently buffered.
// Decode errors drop only the offending message: since frame boundaries are
// self-describing via the length prefix, a bad frame is skipped and the
// connection stays open for the next one. Only an unparseable length prefix
// tears the connection down, because framing sync is lost at that point.
func (p *Peer) drainFrames(epoch uint64) {
	for {
		p.mu.Lock()
		if p.epoch != epoch {
			p.mu.Unlock()
			return
		}
		buffered := p.readBuf
		p.mu.Unlock()
		if len(buffered) < 4 {
			return
		}
		length, err := wire.DecodeLength(buffered)
		if err != nil {
			p.log.Debug("rejecting frame length prefix", slog.Any("error", err))
			p.metrics.observeRejectedFrame(p.Index())
			p.markInactiveIfCurrent(epoch)
			return
		}
		if len(buffered) < length {
			return
		}
		frame, err := p.codec.Decode(buffered[:length])
		p.mu.Lock()
		if p.epoch != epoch {
			p.mu.Unlock()
			return
		}
		p.readBuf = append([]byte(nil), p.readBuf[length:]...)
		index := p.index
		p.mu.Unlock()
		if err != nil {
			p.log.Debug("dropping undecodable frame", slog.Any("error", err))
			p.metrics.observeRejectedFrame(index)
			continue
		}
		p.inbox <- Envelope{Source: index, Frame: frame}
	}
}

// markInactive unconditionally tears down the connection; used by the
// synchronous Send() write-failure path, which never races a handoff.
func (p *Peer) markInactive() {
	p.mu.Lock()
	p.active = false
	p.conn = nil
	p.readBuf = nil
	p.mu.Unlock()
}

// markInactiveIfCurrent is markInactive's read-goroutine counterpart: it
// only tears down state if epoch is still this peer's current epoch, so a
// goroutine that lost a race with AdoptFrom can't clobber the connection a
// newer goroutine has already taken over.
func (p *Peer) markInactiveIfCurrent(epoch uint64) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.conn = nil
	p.readBuf = nil
	p.mu.Unlock()
}

// Send packs and writes body. It is a fire-and-forget no-op on an inactive
// peer.
func (p *Peer) Send(flags uint8, body wire.Body) {
	p.mu.Lock()
	conn := p.conn
	active := p.active
	codec := p.codec
	index := p.index
	p.mu.Unlock()
	if !active || conn == nil {
		return
	}
	raw, err := codec.Encode(flags, body)
	if err != nil {
		p.log.Debug("encoding outbound message failed", slog.Any("error", err))
		return
	}
	if _, err := conn.Write(raw); err != nil {
		p.log.Debug("writing to peer failed", slog.Any("error", err))
		p.markInactive()
		return
	}
	p.metrics.observeWritten(index, len(raw))
}

// SetIdentity records the remote's announced id/address and marks the peer
// valid (reconnectable).
func (p *Peer) SetIdentity(id uint64, address string) {
	p.mu.Lock()
	p.id = id
	p.address = address
	p.valid = true
	p.mu.Unlock()
}

// AdoptFrom transfers the live connection and read state of other into p,
// which becomes the canonical registry entry for the shared remote id, and
// leaves other done so the registry reaps it.
//
// The handoff must move the connection between two independently scheduled
// read goroutines without ever letting both call Read on the same net.Conn.
// AdoptFrom bumps other's epoch and interrupts its blocked Read via
// SetReadDeadline so that goroutine observes the epoch change and exits
// (waited on via readDone) before p's own stale reader is retired and a
// fresh reader is started on the adopted connection.
func (p *Peer) AdoptFrom(other *Peer) {
	other.mu.Lock()
	conn := other.conn
	readBuf := other.readBuf
	done := other.readDone
	other.conn = nil
	other.active = false
	other.valid = false
	other.epoch++
	other.mu.Unlock()

	if conn != nil {
		conn.SetReadDeadline(time.Now())
		if done != nil {
			<-done
		}
		conn.SetReadDeadline(time.Time{})
	}

	p.mu.Lock()
	stale := p.conn
	p.epoch++
	p.conn = conn
	p.readBuf = append([]byte(nil), readBuf...)
	p.active = conn != nil
	p.valid = true
	p.mu.Unlock()

	if conn != nil {
		p.startReadLoop()
	}
	if stale != nil {
		_ = stale.Close()
	}
}

func (p *Peer) SetIndex(index int) { p.mu.Lock(); p.index = index; p.mu.Unlock() }
func (p *Peer) Index() int         { p.mu.Lock(); defer p.mu.Unlock(); return p.index }
func (p *Peer) ID() uint64         { p.mu.Lock(); defer p.mu.Unlock(); return p.id }
func (p *Peer) Address() string    { p.mu.Lock(); defer p.mu.Unlock(); return p.address }
func (p *Peer) Active() bool       { p.mu.Lock(); defer p.mu.Unlock(); return p.active }
func (p *Peer) Valid() bool        { p.mu.Lock(); defer p.mu.Unlock(); return p.valid }
func (p *Peer) Generation() uuid.UUID { return p.generation }

// Done reports whether the registry may reap this slot: the peer is neither
// connected nor reconnectable.
func (p *Peer) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.active && !p.valid
}

// Invalidate marks the peer permanently unreachable, used by the shutdown
// close cascade.
func (p *Peer) Invalidate() {
	p.mu.Lock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.active = false
	p.valid = false
	p.epoch++
	p.mu.Unlock()
}
