// Package logger provides the small set of slog attribute helpers shared by
// every package in this module, so log output uses one consistent key set.
package logger

import (
	"log/slog"
)

// NodeID returns a slog attribute identifying a node by its cluster id.
func NodeID(id uint64) slog.Attr {
	return slog.Uint64("node_id", id)
}

// Round returns a slog attribute for a broadcast round number.
func Round(round uint64) slog.Attr {
	return slog.Uint64("round", round)
}

// Seq returns a slog attribute for a heartbeat sequence number.
func Seq(seq uint64) slog.Attr {
	return slog.Uint64("seq", seq)
}

// PeerIndex returns a slog attribute for a registry-local peer index.
func PeerIndex(index int) slog.Attr {
	return slog.Int("peer_index", index)
}

// Discard returns a logger that drops everything written to it. Used as the
// default when a caller does not supply one, so components never need a nil
// check before logging.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{
		Level: slog.LevelError + 1,
	}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// OrDiscard returns log if it is non-nil, otherwise a discard logger.
func OrDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return Discard()
	}
	return log
}
