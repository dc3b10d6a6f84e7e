// Package codec implements the mesh wire protocol spoken by the field
// firmware: a fixed 13-byte big-endian header followed by a packet-type
// specific payload. The layout must match the firmware exactly.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed frame header length:
	// version:1 type:1 from_id:4 to_id:4 sequence:2 flags:1
	HeaderSize = 13

	// ProtocolVersion is the wire protocol version this gateway speaks.
	ProtocolVersion = 1

	// BroadcastID addresses every node in range.
	BroadcastID = 0xFFFFFFFF

	// Coordinate scale factor (lat/lon carried as int32 * 1_000_000).
	CoordScale = 1_000_000.0
)

// PacketType identifies the payload carried by a mesh frame.
type PacketType uint8

const (
	PacketBeacon    PacketType = 0x01
	PacketData      PacketType = 0x02
	PacketAck       PacketType = 0x03
	PacketRouting   PacketType = 0x04
	PacketWildlife  PacketType = 0x05
	PacketImage     PacketType = 0x06
	PacketTelemetry PacketType = 0x07
	PacketEmergency PacketType = 0x08
)

var (
	ErrFrameTooShort     = errors.New("frame shorter than header")
	ErrBadVersion        = errors.New("unsupported protocol version")
	ErrWildlifeTooShort  = errors.New("wildlife payload too short")
	ErrTelemetryTooShort = errors.New("telemetry payload too short")
)

// Header is the fixed 13-byte frame header.
type Header struct {
	Version  uint8
	Type     PacketType
	FromID   uint32
	ToID     uint32
	Sequence uint16
	Flags    uint8
}

// ParseHeader decodes the fixed header from the start of a frame.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrFrameTooShort, HeaderSize, len(data))
	}

	h := &Header{
		Version:  data[0],
		Type:     PacketType(data[1]),
		FromID:   binary.BigEndian.Uint32(data[2:6]),
		ToID:     binary.BigEndian.Uint32(data[6:10]),
		Sequence: binary.BigEndian.Uint16(data[10:12]),
		Flags:    data[12],
	}

	if h.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}

	return h, nil
}

// Encode renders the header into its 13-byte wire form.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.FromID)
	binary.BigEndian.PutUint32(buf[6:10], h.ToID)
	binary.BigEndian.PutUint16(buf[10:12], h.Sequence)
	buf[12] = h.Flags
	return buf
}

// TypeName returns the wire name of a packet type.
func TypeName(t PacketType) string {
	switch t {
	case PacketBeacon:
		return "BEACON"
	case PacketData:
		return "DATA"
	case PacketAck:
		return "ACK"
	case PacketRouting:
		return "ROUTING"
	case PacketWildlife:
		return "WILDLIFE"
	case PacketImage:
		return "IMAGE"
	case PacketTelemetry:
		return "TELEMETRY"
	case PacketEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// FormatNodeID renders a 32-bit mesh address as the registry's node id.
func FormatNodeID(id uint32) string {
	return fmt.Sprintf("%08x", id)
}
