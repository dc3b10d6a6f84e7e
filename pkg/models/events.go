package models

import "time"

// DetectionEvent is a wildlife detection reported by a field node, either
// decoded from a WILDLIFE radio packet or posted directly over HTTP.
type DetectionEvent struct {
	NodeID     string    `json:"node_id"`
	Species    string    `json:"species,omitempty"`
	Confidence float64   `json:"confidence"`
	Latitude   float64   `json:"latitude,omitempty"`
	Longitude  float64   `json:"longitude,omitempty"`
	ImageSize  int64     `json:"image_size,omitempty"`
	HasImage   bool      `json:"has_image"`
	Timestamp  time.Time `json:"timestamp"`
}

// TelemetryReading is an environmental/battery sample from a node.
type TelemetryReading struct {
	NodeID       string    `json:"node_id"`
	BatteryLevel float64   `json:"battery_level"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Humidity     *float64  `json:"humidity,omitempty"`
	Pressure     *float64  `json:"pressure,omitempty"`
	RSSI         *int      `json:"rssi,omitempty"`
	SNR          *float64  `json:"snr,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Heartbeat is a liveness-only message. It updates the node registry but is
// never queued for cloud sync.
type Heartbeat struct {
	NodeID          string  `json:"node_id"`
	Role            string  `json:"role,omitempty"`
	BatteryLevel    float64 `json:"battery_level"`
	UptimeSeconds   int64   `json:"uptime"`
	FirmwareVersion string  `json:"firmware_version,omitempty"`
}

// ImageMetadata describes an image captured by a node. The raw bytes live in
// the on-disk spool; the queue payload references them by path.
type ImageMetadata struct {
	NodeID      string    `json:"node_id"`
	Species     string    `json:"species,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	CapturedAt  time.Time `json:"captured_at,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	SpoolPath   string    `json:"spool_path,omitempty"`
}

// QueueStats are the per-status item counts of the sync queue.
type QueueStats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// GatewayStats is the aggregate snapshot published on the status loop and
// served from /api/status.
type GatewayStats struct {
	Queue          QueueStats `json:"queue"`
	NodesTotal     int        `json:"nodes_total"`
	NodesOnline    int        `json:"nodes_online"`
	PacketsLogged  int64      `json:"packets_logged"`
	MQTTPublished  int64      `json:"mqtt_published"`
	MQTTPublishErr int64      `json:"mqtt_publish_errors"`
	GeneratedAt    time.Time  `json:"generated_at"`
}
