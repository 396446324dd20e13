package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntegerRoundTrip(t *testing.T) {
	buf := make([]byte, 16)

	PutUint8(buf, 0xAB)
	require.Equal(t, uint8(0xAB), Uint8(buf))

	PutUint16(buf, 0xBEEF)
	require.Equal(t, uint16(0xBEEF), Uint16(buf))

	PutUint32(buf, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), Uint32(buf))

	PutUint64(buf, 0x0123456789ABCDEF)
	require.Equal(t, uint64(0x0123456789ABCDEF), Uint64(buf))
}

func TestUint32IsLittleEndian(t *testing.T) {
	buf := make([]byte, 4)
	PutUint32(buf, 1)
	require.Equal(t, []byte{1, 0, 0, 0}, buf)
}
