package netio

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the per-connection I/O instruments shared by every Peer of
// one node: bytes read and written per peer, and frames the codec rejected.
// A nil *Metrics is valid everywhere and records nothing, so tests and
// hosts without instrumentation pay no setup cost.
type Metrics struct {
	bytesRead      metric.Int64Counter
	bytesWritten   metric.Int64Counter
	framesRejected metric.Int64Counter
}

// NewMetrics creates the peer I/O instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.bytesRead, err = meter.Int64Counter(
		"peer.read.bytes",
		metric.WithDescription("Bytes read from peer connections."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("creating bytes read counter: %w", err)
	}
	if m.bytesWritten, err = meter.Int64Counter(
		"peer.written.bytes",
		metric.WithDescription("Bytes written to peer connections."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("creating bytes written counter: %w", err)
	}
	if m.framesRejected, err = meter.Int64Counter(
		"peer.frames.rejected",
		metric.WithDescription("Inbound frames dropped by the codec (bad length prefix, auth failure, undecodable body)."),
	); err != nil {
		return nil, fmt.Errorf("creating rejected frames counter: %w", err)
	}
	return m, nil
}

func peerAttr(index int) metric.AddOption {
	return metric.WithAttributes(attribute.Int("peer_index", index))
}

func (m *Metrics) observeRead(index, n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(context.Background(), int64(n), peerAttr(index))
}

func (m *Metrics) observeWritten(index, n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(context.Background(), int64(n), peerAttr(index))
}

func (m *Metrics) observeRejectedFrame(index int) {
	if m == nil {
		return
	}
	m.framesRejected.Add(context.Background(), 1, peerAttr(index))
}
