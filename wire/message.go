package wire

import "fmt"

// Type identifies the wire body that follows a frame's header.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeIdentRequest
	TypeIdent
	TypeLeaderActive
	TypeLeaderActiveAck
)

func (t Type) String() string {
	switch t {
	case TypeIdentRequest:
		return "IDENT_REQUEST"
	case TypeIdent:
		return "IDENT"
	case TypeLeaderActive:
		return "LEADER_ACTIVE"
	case TypeLeaderActiveAck:
		return "LEADER_ACTIVE_ACK"
	default:
		return "INVALID"
	}
}

const (
	// HeaderSize is the fixed 38-byte prefix: length(4) + nonce/hash(24) + type(1) + flags(1) + id(8).
	HeaderSize = 38
	// NonceHashSize is the width of the nonce-or-hash field.
	NonceHashSize = 24
	// PaddingSize is the secretbox authentication overhead appended when encryption is enabled.
	PaddingSize = 16
	// MaxFrameLength rejects absurd length prefixes before they drive an allocation.
	MaxFrameLength = 16 * 1024 * 1024

	lengthOffset    = 0
	nonceHashOffset = 4
	typeOffset      = nonceHashOffset + NonceHashSize
	flagsOffset     = typeOffset + 1
	idOffset        = flagsOffset + 1
)

// Flag bits carried in the header, preserved across encode/decode but not
// interpreted by the role state machine (broadcast fan-out is a Registry
// concern, see netio.Registry).
const (
	FlagBroadcast uint8 = 1 << iota
	FlagReliableBroadcast
)

// Body is implemented by every typed message payload.
type Body interface {
	Type() Type
	bodySize() int
	packBody(dst []byte)
	unpackBody(src []byte) error
}

// Frame is a fully decoded message: its header fields plus the typed body.
type Frame struct {
	MessageID uint64
	Flags     uint8
	Body      Body
}

// IdentRequest asks a peer to identify itself.
type IdentRequest struct {
	ID      uint64
	Address string
}

func (m *IdentRequest) Type() Type    { return TypeIdentRequest }
func (m *IdentRequest) bodySize() int { return 8 + 2 + len(m.Address) }
func (m *IdentRequest) packBody(dst []byte) {
	PutUint64(dst, m.ID)
	PutUint16(dst[8:], uint16(len(m.Address)))
	copy(dst[10:], m.Address)
}
func (m *IdentRequest) unpackBody(src []byte) error {
	if len(src) < 10 {
		return fmt.Errorf("ident request body too short: %d bytes", len(src))
	}
	m.ID = Uint64(src)
	n := int(Uint16(src[8:]))
	if len(src) < 10+n {
		return fmt.Errorf("ident request address truncated: want %d have %d", n, len(src)-10)
	}
	m.Address = string(src[10 : 10+n])
	return nil
}

// Ident announces a node's id and listen address.
type Ident struct {
	ID      uint64
	Address string
}

func (m *Ident) Type() Type    { return TypeIdent }
func (m *Ident) bodySize() int { return 8 + 2 + len(m.Address) }
func (m *Ident) packBody(dst []byte) {
	PutUint64(dst, m.ID)
	PutUint16(dst[8:], uint16(len(m.Address)))
	copy(dst[10:], m.Address)
}
func (m *Ident) unpackBody(src []byte) error {
	if len(src) < 10 {
		return fmt.Errorf("ident body too short: %d bytes", len(src))
	}
	m.ID = Uint64(src)
	n := int(Uint16(src[8:]))
	if len(src) < 10+n {
		return fmt.Errorf("ident address truncated: want %d have %d", n, len(src)-10)
	}
	m.Address = string(src[10 : 10+n])
	return nil
}

// LeaderActive is both the leader heartbeat and the append proposal carrier:
// Next == 0 means a plain heartbeat, Next != 0 proposes round Next with
// NextContent as its payload.
type LeaderActive struct {
	ID          uint64
	Seq         uint64
	Round       uint64
	Next        uint64
	NextContent []byte
}

func (m *LeaderActive) Type() Type    { return TypeLeaderActive }
func (m *LeaderActive) bodySize() int { return 8 + 8 + 8 + 8 + 4 + len(m.NextContent) }
func (m *LeaderActive) packBody(dst []byte) {
	PutUint64(dst, m.ID)
	PutUint64(dst[8:], m.Seq)
	PutUint64(dst[16:], m.Round)
	PutUint64(dst[24:], m.Next)
	PutUint32(dst[32:], uint32(len(m.NextContent)))
	copy(dst[36:], m.NextContent)
}
func (m *LeaderActive) unpackBody(src []byte) error {
	if len(src) < 36 {
		return fmt.Errorf("leader active body too short: %d bytes", len(src))
	}
	m.ID = Uint64(src)
	m.Seq = Uint64(src[8:])
	m.Round = Uint64(src[16:])
	m.Next = Uint64(src[24:])
	n := int(Uint32(src[32:]))
	if len(src) < 36+n {
		return fmt.Errorf("leader active content truncated: want %d have %d", n, len(src)-36)
	}
	if n > 0 {
		m.NextContent = append([]byte(nil), src[36:36+n]...)
	} else {
		m.NextContent = nil
	}
	return nil
}

// LeaderActiveAck acknowledges a LeaderActive heartbeat or proposal.
type LeaderActiveAck struct {
	ID    uint64
	Seq   uint64
	Round uint64
}

func (m *LeaderActiveAck) Type() Type    { return TypeLeaderActiveAck }
func (m *LeaderActiveAck) bodySize() int { return 8 + 8 + 8 }
func (m *LeaderActiveAck) packBody(dst []byte) {
	PutUint64(dst, m.ID)
	PutUint64(dst[8:], m.Seq)
	PutUint64(dst[16:], m.Round)
}
func (m *LeaderActiveAck) unpackBody(src []byte) error {
	if len(src) < 24 {
		return fmt.Errorf("leader active ack body too short: %d bytes", len(src))
	}
	m.ID = Uint64(src)
	m.Seq = Uint64(src[8:])
	m.Round = Uint64(src[16:])
	return nil
}

func newBody(t Type) (Body, error) {
	switch t {
	case TypeIdentRequest:
		return &IdentRequest{}, nil
	case TypeIdent:
		return &Ident{}, nil
	case TypeLeaderActive:
		return &LeaderActive{}, nil
	case TypeLeaderActiveAck:
		return &LeaderActiveAck{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", t)
	}
}
