package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, codec *Codec, flags uint8, body Body) *Frame {
	t.Helper()
	raw, err := codec.Encode(flags, body)
	require.NoError(t, err)

	length, err := DecodeLength(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), length)

	frame, err := codec.Decode(raw)
	require.NoError(t, err)
	return frame
}

func TestCodecRoundTripNoKey(t *testing.T) {
	codec := NewCodec()
	la := &LeaderActive{ID: 7, Seq: 3, Round: 9, Next: 10, NextContent: []byte("hello")}
	frame := roundTrip(t, codec, FlagBroadcast, la)

	require.Equal(t, FlagBroadcast, frame.Flags)
	got, ok := frame.Body.(*LeaderActive)
	require.True(t, ok)
	require.Equal(t, la, got)
}

func TestCodecRoundTripWithKey(t *testing.T) {
	codec := NewCodec()
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, codec.SetKey(key[:]))

	ack := &LeaderActiveAck{ID: 1, Seq: 2, Round: 3}
	frame := roundTrip(t, codec, 0, ack)
	got, ok := frame.Body.(*LeaderActiveAck)
	require.True(t, ok)
	require.Equal(t, ack, got)
}

// Successive NextMessageID calls must not keep returning the same id.
func TestNextMessageIDIsNotConstant(t *testing.T) {
	codec := NewCodec()
	ids := make(map[uint64]bool)
	for i := 0; i < 32; i++ {
		ids[codec.NextMessageID()] = true
	}
	require.Greater(t, len(ids), 1)
}

// An encrypted frame is exactly PaddingSize bytes longer than its
// unencrypted counterpart carrying the same body.
func TestEncryptedFrameOverhead(t *testing.T) {
	plainCodec := NewCodec()
	keyedCodec := NewCodec()
	var key [KeySize]byte
	require.NoError(t, keyedCodec.SetKey(key[:]))

	body := &Ident{ID: 1, Address: "127.0.0.1:9000"}
	plain, err := plainCodec.Encode(0, body)
	require.NoError(t, err)
	sealed, err := keyedCodec.Encode(0, body)
	require.NoError(t, err)

	require.Equal(t, len(plain)+PaddingSize, len(sealed))
}

// Flipping a byte in a hash-guarded (no-key) frame must be detected.
func TestDecodeRejectsTamperedFrame(t *testing.T) {
	codec := NewCodec()
	raw, err := codec.Encode(0, &IdentRequest{ID: 4, Address: "x"})
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF
	_, err = codec.Decode(raw)
	require.Error(t, err)
}

// Flipping a byte in an authenticated-encryption frame must be detected too.
func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	codec := NewCodec()
	var key [KeySize]byte
	key[0] = 1
	require.NoError(t, codec.SetKey(key[:]))

	raw, err := codec.Encode(0, &IdentRequest{ID: 4, Address: "x"})
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF
	_, err = codec.Decode(raw)
	require.Error(t, err)
}

func TestSetKeyRejectsBadLength(t *testing.T) {
	codec := NewCodec()
	require.Error(t, codec.SetKey(make([]byte, 10)))
}

func TestDecodeLengthRejectsOversizedFrame(t *testing.T) {
	buf := make([]byte, 4)
	PutUint32(buf, MaxFrameLength+1)
	_, err := DecodeLength(buf)
	require.Error(t, err)
}
