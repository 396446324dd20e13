// Package wire implements the node-to-node frame format: a fixed 38-byte
// authenticated header followed by a typed little-endian body, optionally
// sealed with NaCl secretbox when the cluster shares a key.
package wire

import "encoding/binary"

// PutUint8 writes v at dst[0].
func PutUint8(dst []byte, v uint8) { dst[0] = v }

// Uint8 reads a byte at src[0].
func Uint8(src []byte) uint8 { return src[0] }

// PutUint16 writes v little-endian at dst[0:2].
func PutUint16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }

// Uint16 reads a little-endian uint16 from src[0:2].
func Uint16(src []byte) uint16 { return binary.LittleEndian.Uint16(src) }

// PutUint32 writes v little-endian at dst[0:4].
func PutUint32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }

// Uint32 reads a little-endian uint32 from src[0:4].
func Uint32(src []byte) uint32 { return binary.LittleEndian.Uint32(src) }

// PutUint64 writes v little-endian at dst[0:8].
func PutUint64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }

// Uint64 reads a little-endian uint64 from src[0:8].
func Uint64(src []byte) uint64 { return binary.LittleEndian.Uint64(src) }
