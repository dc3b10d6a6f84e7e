package lora

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/trailsense/edge-gateway/pkg/lora/codec"
	"github.com/trailsense/edge-gateway/pkg/models"
	"github.com/trailsense/edge-gateway/pkg/registry"
	"github.com/trailsense/edge-gateway/pkg/store"
)

const transmitTimeout = 5 * time.Second

// EventSink receives ingested events for best-effort fan-out (websocket
// clients, MQTT). A nil sink is allowed.
type EventSink interface {
	Publish(event string, payload any)
}

// Ingestor decodes mesh frames into registry updates and sync-queue items.
// Every frame, whatever its type, is appended to the packet audit log.
type Ingestor struct {
	radio   Radio
	reg     *registry.Registry
	queue   store.SyncQueueStore
	packets store.PacketLogStore
	sink    EventSink

	gatewayID      uint32
	beaconInterval time.Duration

	seqMu sync.Mutex
	seq   uint16
}

// NewIngestor creates a LoRa ingestor. sink may be nil.
func NewIngestor(radio Radio, reg *registry.Registry, stores *store.Stores, sink EventSink, gatewayID uint32, beaconInterval time.Duration) *Ingestor {
	return &Ingestor{
		radio:          radio,
		reg:            reg,
		queue:          stores.Queue,
		packets:        stores.Packets,
		sink:           sink,
		gatewayID:      gatewayID,
		beaconInterval: beaconInterval,
	}
}

// Run starts the receive worker and the discovery beacon loop and blocks
// until ctx is cancelled. The radio read is a blocking hardware call, so it
// lives on its own goroutine and never stalls the rest of the gateway.
func (in *Ingestor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		in.receiveLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		in.beaconLoop(ctx)
	}()

	wg.Wait()
}

func (in *Ingestor) receiveLoop(ctx context.Context) {
	slog.Info("lora receive loop started")
	for {
		frame, err := in.radio.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrRadioClosed) {
				slog.Info("lora receive loop stopped")
				return
			}
			slog.Error("radio receive failed", "error", err)
			continue
		}
		in.HandleFrame(frame)
	}
}

// HandleFrame processes one received frame. Corrupt or truncated frames are
// discarded with a log line; they never affect other nodes or queue items.
func (in *Ingestor) HandleFrame(frame *Frame) {
	if len(frame.Data) < codec.HeaderSize {
		slog.Warn("discarding truncated frame", "len", len(frame.Data))
		return
	}

	header, err := codec.ParseHeader(frame.Data)
	if err != nil {
		slog.Warn("discarding corrupt frame", "error", err, "len", len(frame.Data))
		return
	}

	nodeID := codec.FormatNodeID(header.FromID)
	payload := frame.Data[codec.HeaderSize:]

	rssi := frame.RSSI
	snr := frame.SNR
	in.reg.Touch(nodeID, models.NodeUpdate{RSSI: &rssi, SNR: &snr})

	if err := in.packets.Insert(&models.PacketRecord{
		NodeID:     nodeID,
		PacketType: codec.TypeName(header.Type),
		Sequence:   header.Sequence,
		Payload:    payload,
		RSSI:       rssi,
		SNR:        snr,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		slog.Error("packet log write failed", "error", err, "node", nodeID)
	}

	switch header.Type {
	case codec.PacketWildlife:
		in.handleWildlife(nodeID, payload)
	case codec.PacketTelemetry:
		in.handleTelemetry(nodeID, payload, rssi, snr)
	case codec.PacketEmergency:
		slog.Warn("emergency packet received", "node", nodeID, "seq", header.Sequence)
	default:
		// BEACON, DATA, ACK, ROUTING and IMAGE frames maintain registry
		// and mesh routing state only; they are never queued for cloud sync.
		slog.Debug("packet received", "node", nodeID,
			"type", codec.TypeName(header.Type), "seq", header.Sequence, "rssi", rssi, "snr", snr)
	}
}

func (in *Ingestor) handleWildlife(nodeID string, payload []byte) {
	wp, err := codec.ParseWildlifePayload(payload)
	if err != nil {
		slog.Warn("discarding malformed wildlife payload", "node", nodeID, "error", err)
		return
	}

	event := models.DetectionEvent{
		NodeID:     nodeID,
		Species:    wp.Species,
		Confidence: float64(wp.Confidence) / 100.0,
		Latitude:   wp.Lat,
		Longitude:  wp.Lon,
		ImageSize:  int64(wp.ImageSize),
		HasImage:   wp.HasImage,
		Timestamp:  time.Now().UTC(),
	}

	raw, err := json.Marshal(event)
	if err != nil {
		slog.Error("encoding detection event failed", "node", nodeID, "error", err)
		return
	}
	id, err := in.queue.Enqueue(models.ItemTypeDetection, raw)
	if err != nil {
		slog.Error("enqueue detection failed", "node", nodeID, "error", err)
		return
	}

	slog.Info("wildlife detection queued", "node", nodeID,
		"species", wp.Species, "confidence", event.Confidence, "item", id)
	if in.sink != nil {
		in.sink.Publish("detection", event)
	}
}

func (in *Ingestor) handleTelemetry(nodeID string, payload []byte, rssi int, snr float64) {
	tp, err := codec.ParseTelemetryPayload(payload)
	if err != nil {
		slog.Warn("discarding malformed telemetry payload", "node", nodeID, "error", err)
		return
	}

	battery := float64(tp.Battery)
	uptime := int64(tp.UptimeSeconds)
	in.reg.Touch(nodeID, models.NodeUpdate{
		BatteryLevel:  &battery,
		UptimeSeconds: &uptime,
	})

	temp := tp.TemperatureC
	humidity := float64(tp.Humidity)
	pressure := tp.PressureHPa
	reading := models.TelemetryReading{
		NodeID:       nodeID,
		BatteryLevel: battery,
		Temperature:  &temp,
		Humidity:     &humidity,
		Pressure:     &pressure,
		RSSI:         &rssi,
		SNR:          &snr,
		Timestamp:    time.Now().UTC(),
	}

	raw, err := json.Marshal(reading)
	if err != nil {
		slog.Error("encoding telemetry reading failed", "node", nodeID, "error", err)
		return
	}
	id, err := in.queue.Enqueue(models.ItemTypeTelemetry, raw)
	if err != nil {
		slog.Error("enqueue telemetry failed", "node", nodeID, "error", err)
		return
	}

	slog.Debug("telemetry queued", "node", nodeID, "battery", battery, "item", id)
	if in.sink != nil {
		in.sink.Publish("telemetry", reading)
	}
}

// beaconLoop periodically transmits a discovery beacon so field nodes can
// detect gateway presence. Transmit failures are logged, never fatal.
func (in *Ingestor) beaconLoop(ctx context.Context) {
	ticker := time.NewTicker(in.beaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.sendBeacon(ctx)
		}
	}
}

func (in *Ingestor) sendBeacon(ctx context.Context) {
	in.seqMu.Lock()
	in.seq++
	seq := in.seq
	in.seqMu.Unlock()

	txCtx, cancel := context.WithTimeout(ctx, transmitTimeout)
	defer cancel()

	if err := in.radio.Transmit(txCtx, codec.BuildBeacon(in.gatewayID, seq)); err != nil {
		slog.Warn("beacon transmit failed", "error", err, "seq", seq)
		return
	}
	slog.Debug("beacon transmitted", "seq", seq)
}
