// Package node is the public library entry point: it owns the TCP listener,
// the outbound dial/reconnect goroutines, and the single loop goroutine that
// is the only thing ever allowed to touch a role.Role. Host calls arriving
// on other goroutines are posted onto the loop as tasks rather than mutating
// state directly.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/unicitynetwork/ab-core/logger"
	"github.com/unicitynetwork/ab-core/netio"
	"github.com/unicitynetwork/ab-core/observability"
	"github.com/unicitynetwork/ab-core/role"
	"github.com/unicitynetwork/ab-core/wire"
)

// TickInterval is how often the loop goroutine reaps done peers and drives
// role.Role.Periodic.
const TickInterval = 50 * time.Millisecond

// inboxBacklog bounds how many decoded-but-undispatched frames may queue up
// before a slow loop goroutine starts applying backpressure to peer readers.
const inboxBacklog = 256

// Node is the embeddable library handle. Every exported method except the
// constructor and the pre-run configuration methods (SetKey, SetCommitted,
// Listen, ConnectToPeer) is safe to call concurrently with Run: Append and
// ConfirmAppend post a task onto the loop goroutine rather than mutating
// state directly, and Shutdown cancels Run's context and closes the listener
// and peer connections.
type Node struct {
	id          uint64
	clusterSize uint64

	codec     *wire.Codec
	registry  *netio.PeerRegistry
	role      *role.Role
	ioMetrics *netio.Metrics

	listenAddr string
	listener   net.Listener

	inbox chan netio.Envelope
	tasks chan func(now uint64)

	obs    observability.Observability
	log    *slog.Logger
	tracer trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional Node dependencies.
type Option func(*Node)

// WithObservability wires logging, tracing, and metrics. Without it the
// node runs with a discard logger and noop tracer/meter.
func WithObservability(obs observability.Observability) Option {
	return func(n *Node) { n.obs = obs }
}

// New constructs a Node identified by id within a cluster of clusterSize
// members. callbacks is the host event surface; each field is optional.
func New(id uint64, clusterSize uint64, callbacks role.Callbacks, opts ...Option) *Node {
	n := &Node{
		id:          id,
		clusterSize: clusterSize,
		codec:       wire.NewCodec(),
		obs:         observability.NewNoop(),
		inbox:       make(chan netio.Envelope, inboxBacklog),
		tasks:       make(chan func(now uint64)),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.obs = observability.Of(n.obs)
	n.log = logger.OrDiscard(n.obs.Logger())
	n.tracer = n.obs.Tracer("ab-core/node")
	n.registry = netio.NewPeerRegistry(id, n.log)

	ioMetrics, err := netio.NewMetrics(n.obs.Meter("ab-core/netio"))
	if err != nil {
		// The node still works without instruments, it just records nothing.
		n.log.Warn("creating peer I/O metrics failed", slog.Any("error", err))
	}
	n.ioMetrics = ioMetrics

	var roleOpts []role.Option
	roleOpts = append(roleOpts, role.WithLogger(n.log))
	if reg := n.obs.PrometheusRegisterer(); reg != nil {
		roleOpts = append(roleOpts, role.WithMetrics(role.NewMetrics(reg)))
	}
	n.role = role.New(id, clusterSize, n.registry, callbacks, roleOpts...)
	return n
}

// SetKey enables (32 bytes) or disables (nil/empty) authenticated encryption
// on every connection. Must be called before Run.
func (n *Node) SetKey(key []byte) error {
	return n.codec.SetKey(key)
}

// SetCommitted restores the last durably committed round from host storage.
// Must be called before Run.
func (n *Node) SetCommitted(round uint64) {
	n.role.SetCommitted(round)
}

// Listen starts accepting inbound connections on address. Must be called
// before Run.
func (n *Node) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", address, err)
	}
	n.listener = l
	n.listenAddr = address
	return nil
}

// ConnectToPeer registers an outbound peer at address. The connection is
// dialed once Run starts, and redialed on the reconnect schedule thereafter.
func (n *Node) ConnectToPeer(address string) {
	peer := netio.NewOutbound(address, n.codec, n.ioMetrics, n.inbox, n.log)
	n.registry.Register(peer)
}

// Append proposes content for the next round if this node is currently the
// leader. cb is invoked exactly once, from the loop goroutine, with status 0
// on success or a negative status otherwise. A call the loop goroutine has
// not taken by the time Run returns is dropped, and its cb is never invoked.
func (n *Node) Append(content []byte, cb role.AppendCallback, data any) {
	n.post(func(now uint64) {
		_, span := n.tracer.Start(context.Background(), "node.append")
		n.role.Append(now, content, cb, data)
		span.End()
	})
}

// ConfirmAppend acknowledges that the host has durably stored the data
// delivered by a prior OnAppend callback.
func (n *Node) ConfirmAppend(round uint64) {
	n.post(func(uint64) {
		n.role.ConfirmAppend(round)
	})
}

// post enqueues fn to run on the loop goroutine, blocking until the loop
// takes it. It is a no-op once Run has returned.
func (n *Node) post(fn func(now uint64)) {
	select {
	case n.tasks <- fn:
	case <-n.done:
	}
}

// Run drives the node until ctx is canceled or an unrecoverable error
// occurs. It blocks; callers typically run it in its own goroutine.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	defer close(n.done)

	g, ctx := errgroup.WithContext(ctx)

	if n.listener != nil {
		g.Go(func() error { return n.acceptLoop(ctx) })
	}

	g.Go(func() error { return n.reconnectLoop(ctx) })

	g.Go(func() error {
		err := n.loop(ctx)
		n.log.Debug("node main loop exit", slog.Any("error", err))
		return err
	})

	return g.Wait()
}

// Shutdown stops Run and invalidates every peer connection. An uncommitted
// pending append is resolved with status -1 before the loop exits. Releasing
// host resources remains the caller's responsibility after Run returns.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.listener != nil {
		_ = n.listener.Close()
	}
	for _, p := range n.registry.Peers() {
		p.Invalidate()
	}
}

func (n *Node) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = n.listener.Close()
	}()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("node: accept: %w", err)
		}
		peer := netio.NewInbound(conn, n.codec, n.ioMetrics, n.inbox, n.log)
		n.registry.Register(peer)
		peer.Send(0, &wire.IdentRequest{ID: n.id, Address: n.listenAddr})
	}
}

func (n *Node) reconnectLoop(ctx context.Context) error {
	ticker := time.NewTicker(netio.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.registry.ReconnectAll(ctx, n.onPeerConnected)
		}
	}
}

func (n *Node) onPeerConnected(p *netio.Peer) {
	p.Send(0, &wire.Ident{ID: n.id, Address: n.listenAddr})
}

// loop is the single goroutine permitted to read or mutate role.Role. Every
// external entry point (inbound frames, host calls to Append/ConfirmAppend,
// the periodic tick) is serialized through this select.
func (n *Node) loop(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	n.registry.ReconnectAll(ctx, n.onPeerConnected)

	for {
		select {
		case <-ctx.Done():
			n.role.Abort()
			return ctx.Err()
		case env := <-n.inbox:
			n.dispatch(env)
		case fn := <-n.tasks:
			fn(nowNanos())
		case <-ticker.C:
			n.registry.Cleanup()
			n.role.Periodic(nowNanos())
		}
	}
}

// clockBase anchors nowNanos to Go's monotonic clock, so wall-clock
// adjustments never move the role's timers.
var clockBase = time.Now()

func nowNanos() uint64 {
	return uint64(time.Since(clockBase).Nanoseconds())
}

func (n *Node) dispatch(env netio.Envelope) {
	_, span := n.tracer.Start(context.Background(), "node.dispatch",
		trace.WithAttributes(attribute.String("msg", env.Frame.Body.Type().String())))
	defer span.End()

	now := nowNanos()
	switch m := env.Frame.Body.(type) {
	case *wire.IdentRequest:
		n.registry.SendToIndex(env.Source, 0, &wire.Ident{ID: n.id, Address: n.listenAddr})
		n.registry.SetIdentity(env.Source, m.ID, m.Address)
	case *wire.Ident:
		n.registry.SetIdentity(env.Source, m.ID, m.Address)
	case *wire.LeaderActive:
		n.role.HandleLeaderActive(now, env.Source, m)
	case *wire.LeaderActiveAck:
		n.role.HandleLeaderActiveAck(m)
	default:
		span.SetStatus(codes.Error, "unhandled message type")
		n.log.Warn("unhandled inbound message", logger.PeerIndex(env.Source))
	}
}
