package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	// Wildlife payload flags
	FlagHasImage = 0x01

	// WildlifeMinSize: confidence:1 lat:4 lon:4 flags:1 image_size:4
	WildlifeMinSize = 14

	// TelemetryMinSize: battery:1 temp:2 humidity:1 pressure:2 uptime:4
	TelemetryMinSize = 10
)

// WildlifePayload is a decoded WILDLIFE detection payload. The species name
// occupies the remainder of the frame after the fixed fields.
type WildlifePayload struct {
	Confidence uint8 // percent, 0-100
	Lat        float64
	Lon        float64
	HasImage   bool
	ImageSize  uint32
	Species    string
}

// ParseWildlifePayload decodes a WILDLIFE payload.
func ParseWildlifePayload(data []byte) (*WildlifePayload, error) {
	if len(data) < WildlifeMinSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrWildlifeTooShort, WildlifeMinSize, len(data))
	}

	p := &WildlifePayload{
		Confidence: data[0],
	}

	latRaw := int32(binary.BigEndian.Uint32(data[1:5]))
	lonRaw := int32(binary.BigEndian.Uint32(data[5:9]))
	p.Lat = float64(latRaw) / CoordScale
	p.Lon = float64(lonRaw) / CoordScale

	flags := data[9]
	p.HasImage = flags&FlagHasImage != 0
	p.ImageSize = binary.BigEndian.Uint32(data[10:14])

	if len(data) > WildlifeMinSize {
		p.Species = string(data[WildlifeMinSize:])
	}

	return p, nil
}

// EncodeWildlifePayload renders a WILDLIFE payload into wire form. Used by
// the deterministic test radio; the firmware is the usual producer.
func EncodeWildlifePayload(p *WildlifePayload) []byte {
	buf := make([]byte, WildlifeMinSize, WildlifeMinSize+len(p.Species))
	buf[0] = p.Confidence
	binary.BigEndian.PutUint32(buf[1:5], uint32(int32(p.Lat*CoordScale)))
	binary.BigEndian.PutUint32(buf[5:9], uint32(int32(p.Lon*CoordScale)))
	if p.HasImage {
		buf[9] |= FlagHasImage
	}
	binary.BigEndian.PutUint32(buf[10:14], p.ImageSize)
	return append(buf, p.Species...)
}

// TelemetryPayload is a decoded TELEMETRY payload. Temperature is carried
// in deci-degrees C, pressure in tenths of hPa above 800 hPa, to fit the
// firmware's fixed-point fields.
type TelemetryPayload struct {
	Battery       uint8 // percent, 0-100
	TemperatureC  float64
	Humidity      uint8 // percent, 0-100
	PressureHPa   float64
	UptimeSeconds uint32
}

// ParseTelemetryPayload decodes a TELEMETRY payload.
func ParseTelemetryPayload(data []byte) (*TelemetryPayload, error) {
	if len(data) < TelemetryMinSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrTelemetryTooShort, TelemetryMinSize, len(data))
	}

	p := &TelemetryPayload{
		Battery:  data[0],
		Humidity: data[3],
	}

	tempRaw := int16(binary.BigEndian.Uint16(data[1:3]))
	p.TemperatureC = float64(tempRaw) / 10.0

	pressRaw := binary.BigEndian.Uint16(data[4:6])
	p.PressureHPa = 800.0 + float64(pressRaw)/10.0

	p.UptimeSeconds = binary.BigEndian.Uint32(data[6:10])

	return p, nil
}

// EncodeTelemetryPayload renders a TELEMETRY payload into wire form.
func EncodeTelemetryPayload(p *TelemetryPayload) []byte {
	buf := make([]byte, TelemetryMinSize)
	buf[0] = p.Battery
	binary.BigEndian.PutUint16(buf[1:3], uint16(int16(p.TemperatureC*10)))
	buf[3] = p.Humidity
	binary.BigEndian.PutUint16(buf[4:6], uint16((p.PressureHPa-800.0)*10))
	binary.BigEndian.PutUint32(buf[6:10], p.UptimeSeconds)
	return buf
}

// BuildBeacon builds a discovery beacon frame announcing gateway presence.
// The payload is empty; the header alone carries the gateway's address.
func BuildBeacon(gatewayID uint32, sequence uint16) []byte {
	h := Header{
		Version:  ProtocolVersion,
		Type:     PacketBeacon,
		FromID:   gatewayID,
		ToID:     BroadcastID,
		Sequence: sequence,
	}
	return h.Encode()
}
