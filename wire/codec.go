package wire

import (
	crand "crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"math/rand/v2"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the only accepted shared-key length besides zero (disabled).
const KeySize = 32

// Codec packs and decodes frames. With no key it guards frames with a
// truncated hash; with a 32-byte key it seals the body with NaCl secretbox.
// A Codec is safe for concurrent use.
type Codec struct {
	mu  sync.Mutex
	key *[KeySize]byte

	idMu  sync.Mutex
	idRNG *rand.Rand // message ids only need to be distinct, not unpredictable
}

// NewCodec constructs a Codec with no shared key (hash-guarded framing).
// Call SetKey to enable authenticated encryption.
func NewCodec() *Codec {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("wire: failed to seed codec RNG: " + err.Error())
	}
	return &Codec{
		idRNG: rand.New(rand.NewPCG(
			Uint64(seed[0:8]),
			Uint64(seed[8:16]),
		)),
	}
}

// SetKey enables (len == KeySize) or disables (len == 0) authenticated
// encryption. Any other length is a configuration error.
func (c *Codec) SetKey(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch len(key) {
	case 0:
		c.key = nil
		return nil
	case KeySize:
		var k [KeySize]byte
		copy(k[:], key)
		c.key = &k
		return nil
	default:
		return fmt.Errorf("wire: invalid key length %d, want 0 or %d", len(key), KeySize)
	}
}

// NextMessageID returns a fresh random message id for an outgoing frame.
func (c *Codec) NextMessageID() uint64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.idRNG.Uint64()
}

// DecodeLength reads only the 4-byte length prefix, letting a peer's read
// loop decide when a full frame is buffered. It returns an error if fewer
// than 4 bytes are available, the declared length is below HeaderSize, or it
// exceeds MaxFrameLength.
func DecodeLength(src []byte) (int, error) {
	if len(src) < 4 {
		return 0, fmt.Errorf("wire: need %d bytes for length prefix, have %d", 4, len(src))
	}
	length := Uint32(src[lengthOffset:])
	if length < HeaderSize {
		return 0, fmt.Errorf("wire: frame length %d shorter than header %d", length, HeaderSize)
	}
	if length > MaxFrameLength {
		return 0, fmt.Errorf("wire: frame length %d exceeds max %d", length, MaxFrameLength)
	}
	return int(length), nil
}

// Encode packs a frame's header and the given body, sealing the body with
// the configured key if one is set.
func (c *Codec) Encode(flags uint8, body Body) ([]byte, error) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	bodyLen := body.bodySize()
	plain := make([]byte, HeaderSize+bodyLen)
	PutUint8(plain[typeOffset:], uint8(body.Type()))
	PutUint8(plain[flagsOffset:], flags)
	PutUint64(plain[idOffset:], c.NextMessageID())
	body.packBody(plain[HeaderSize:])

	if key == nil {
		PutUint32(plain[lengthOffset:], uint32(len(plain)))
		h := sha512.Sum512(plain[typeOffset:])
		copy(plain[nonceHashOffset:typeOffset], h[:NonceHashSize])
		return plain, nil
	}

	var nonce [NonceHashSize]byte
	if _, err := crand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wire: generating nonce: %w", err)
	}
	sealed := secretbox.Seal(nil, plain[typeOffset:], &nonce, key)
	total := typeOffset + len(sealed)
	out := make([]byte, total)
	PutUint32(out[lengthOffset:], uint32(total))
	copy(out[nonceHashOffset:typeOffset], nonce[:])
	copy(out[typeOffset:], sealed)
	return out, nil
}

// Decode verifies and decodes a full frame previously sized by DecodeLength.
// On any auth or format failure it returns an error and never mutates src.
func (c *Codec) Decode(src []byte) (*Frame, error) {
	if len(src) < HeaderSize {
		return nil, fmt.Errorf("wire: frame shorter than header: %d bytes", len(src))
	}
	length := Uint32(src[lengthOffset:])
	if length < HeaderSize {
		return nil, fmt.Errorf("wire: declared length %d shorter than header", length)
	}
	if int(length) > len(src) {
		return nil, fmt.Errorf("wire: declared length %d exceeds buffer %d", length, len(src))
	}
	frame := src[:length]

	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	var plainSuffix []byte
	if key == nil {
		computed := sha512.Sum512(frame[typeOffset:])
		if subtle.ConstantTimeCompare(computed[:NonceHashSize], frame[nonceHashOffset:typeOffset]) != 1 {
			return nil, fmt.Errorf("wire: hash mismatch, frame rejected")
		}
		plainSuffix = frame[typeOffset:]
	} else {
		var nonce [NonceHashSize]byte
		copy(nonce[:], frame[nonceHashOffset:typeOffset])
		opened, ok := secretbox.Open(nil, frame[typeOffset:], &nonce, key)
		if !ok {
			return nil, fmt.Errorf("wire: authentication failed, frame rejected")
		}
		plainSuffix = opened
	}

	if len(plainSuffix) < 10 { // type(1) + flags(1) + id(8)
		return nil, fmt.Errorf("wire: decoded body shorter than header suffix: %d bytes", len(plainSuffix))
	}
	typ := Type(Uint8(plainSuffix))
	flags := Uint8(plainSuffix[1:])
	msgID := Uint64(plainSuffix[2:])

	body, err := newBody(typ)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	if err := body.unpackBody(plainSuffix[10:]); err != nil {
		return nil, fmt.Errorf("wire: decoding %s body: %w", typ, err)
	}

	return &Frame{MessageID: msgID, Flags: flags, Body: body}, nil
}
