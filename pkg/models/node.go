package models

import "time"

// FieldNode is the registry's view of one physical edge device. LoRa nodes
// are keyed by their 32-bit mesh address rendered in hex; HTTP/WS nodes use
// their registered device id verbatim.
type FieldNode struct {
	NodeID          string     `json:"node_id"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	IsOnline        bool       `json:"is_online"`
	Role            string     `json:"role,omitempty"`
	BatteryLevel    *float64   `json:"battery_level,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	UptimeSeconds   *int64     `json:"uptime_seconds,omitempty"`
	RSSI            *int       `json:"rssi,omitempty"`
	SNR             *float64   `json:"snr,omitempty"`
	OfflineSince    *time.Time `json:"offline_since,omitempty"`
}

// NodeUpdate carries the optional fields a single message may report.
// Nil fields leave the stored value untouched.
type NodeUpdate struct {
	Role            string
	BatteryLevel    *float64
	FirmwareVersion string
	UptimeSeconds   *int64
	RSSI            *int
	SNR             *float64
}
