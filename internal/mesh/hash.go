package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Packet header layout constants, per the MeshCore firmware wire format.
const (
	headerRouteMask   = 0x03
	headerTypeShift   = 2
	headerTypeMask    = 0x0F
	headerVersionBits = 6

	// packetHashSize is the truncated digest width used across the
	// uploader ecosystem: 8 bytes, rendered as 16 lowercase hex chars.
	packetHashSize = 8
)

// ErrFrameTooShort is returned when a raw frame is shorter than its own
// declared path length.
var ErrFrameTooShort = errors.New("mesh: frame too short")

// Frame is one decoded radio frame: header byte, routing path, payload.
type Frame struct {
	Header  byte
	Path    []byte
	Payload []byte
}

// RouteType returns the two route-type bits of the header.
func (f Frame) RouteType() byte {
	return f.Header & headerRouteMask
}

// PayloadType returns the payload-type nibble of the header.
func (f Frame) PayloadType() byte {
	return (f.Header >> headerTypeShift) & headerTypeMask
}

// Version returns the payload-version bits of the header.
func (f Frame) Version() byte {
	return f.Header >> headerVersionBits
}

// ParseFrame decodes a raw radio frame:
//
//	header (1) | path_len (1) | path (path_len) | payload (rest)
//
// Parameters:
//   - raw: The complete frame bytes as logged by the radio
//
// Returns:
//   - Frame: Decoded frame (Path and Payload alias raw)
//   - error: ErrFrameTooShort if raw cannot hold its declared path
func ParseFrame(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(raw))
	}
	pathLen := int(raw[1])
	if len(raw) < 2+pathLen {
		return Frame{}, fmt.Errorf("%w: path_len=%d in %d-byte frame", ErrFrameTooShort, pathLen, len(raw))
	}
	return Frame{
		Header:  raw[0],
		Path:    raw[2 : 2+pathLen],
		Payload: raw[2+pathLen:],
	}, nil
}

// PacketHash computes the reference packet hash used for cross-uploader
// deduplication.
//
// The digest input is the payload-type byte extracted from the header,
// followed by the payload bytes. The routing path and all reception
// metadata (SNR, RSSI) are deliberately excluded: the same transmission
// received direct and via a repeater must hash identically. The result is
// SHA-256 truncated to 8 bytes, lowercase hex, no separators.
//
// This must stay byte-compatible with the firmware reference
// implementation; any deviation is a compatibility bug.
func PacketHash(header byte, payload []byte) string {
	h := sha256.New()
	h.Write([]byte{(header >> headerTypeShift) & headerTypeMask})
	h.Write(payload)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:packetHashSize])
}

// Hash computes the packet hash for a decoded frame.
func (f Frame) Hash() string {
	return PacketHash(f.Header, f.Payload)
}
