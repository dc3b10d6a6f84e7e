package models

import "time"

// PacketRecord is one row of the append-only packet audit log. Every frame
// received over the radio is recorded here regardless of type, independent
// of the sync queue.
type PacketRecord struct {
	ID         int64     `db:"id" json:"id"`
	NodeID     string    `db:"node_id" json:"node_id"`
	PacketType string    `db:"packet_type" json:"packet_type"`
	Sequence   uint16    `db:"sequence" json:"sequence"`
	Payload    []byte    `db:"payload" json:"payload,omitempty"`
	RSSI       int       `db:"rssi" json:"rssi"`
	SNR        float64   `db:"snr" json:"snr"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}
