// Package routes is the HTTP/WebSocket ingestor: REST uploads from nodes
// with direct connectivity, node listing, per-node config, and the live
// event stream for dashboards.
package routes

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"

	"github.com/trailsense/edge-gateway/pkg/models"
	"github.com/trailsense/edge-gateway/pkg/registry"
	"github.com/trailsense/edge-gateway/pkg/store"
)

// maxImageUpload bounds multipart image uploads.
const maxImageUpload = 32 << 20

const configCacheTTL = 5 * time.Minute

// EventSink receives successfully ingested events for best-effort fan-out.
type EventSink interface {
	Publish(event string, payload any)
}

// StatsFunc supplies the current gateway aggregate snapshot for /api/status.
type StatsFunc func() models.GatewayStats

// Router serves the node-facing ingest API.
type Router struct {
	reg      *registry.Registry
	stores   *store.Stores
	hub      *Hub
	sink     EventSink
	stats    StatsFunc
	dataDir  string
	spoolDir string

	configCache *ttlcache.Cache[string, json.RawMessage]
}

// NewRouter creates the ingest router. sink may be nil; stats may be nil.
func NewRouter(reg *registry.Registry, stores *store.Stores, hub *Hub, sink EventSink, stats StatsFunc, dataDir, spoolDir string) *Router {
	cache := ttlcache.New[string, json.RawMessage](
		ttlcache.WithTTL[string, json.RawMessage](configCacheTTL),
	)
	go cache.Start()

	return &Router{
		reg:         reg,
		stores:      stores,
		hub:         hub,
		sink:        sink,
		stats:       stats,
		dataDir:     dataDir,
		spoolDir:    spoolDir,
		configCache: cache,
	}
}

// Routes builds the HTTP handler with logging and panic recovery
// middleware.
func (rt *Router) Routes() http.Handler {
	r := mux.NewRouter().StrictSlash(true)

	r.HandleFunc("/api/detection", rt.postDetection).Methods("POST")
	r.HandleFunc("/api/image", rt.postImage).Methods("POST")
	r.HandleFunc("/api/telemetry", rt.postTelemetry).Methods("POST")
	r.HandleFunc("/api/heartbeat", rt.postHeartbeat).Methods("POST")
	r.HandleFunc("/api/nodes", rt.getNodes).Methods("GET")
	r.HandleFunc("/api/nodes/{node_id}/config", rt.getNodeConfig).Methods("GET")
	r.HandleFunc("/api/status", rt.getStatus).Methods("GET")
	r.HandleFunc("/ws", rt.hub.ServeWS)

	r.Use(handlers.ProxyHeaders)
	r.Use(requestLogger)
	return handlers.RecoveryHandler()(r)
}

func requestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}

// nodeIDString normalizes the node_id field, which nodes send as either a
// number or a string depending on firmware generation.
func nodeIDString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

type detectionRequest struct {
	NodeID     any     `json:"node_id"`
	Species    string  `json:"species"`
	Confidence float64 `json:"confidence"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	ImageSize  int64   `json:"image_size"`
	HasImage   bool    `json:"has_image"`
}

func (rt *Router) postDetection(w http.ResponseWriter, r *http.Request) {
	var req detectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	nodeID := nodeIDString(req.NodeID)
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	rt.reg.Touch(nodeID, models.NodeUpdate{})

	event := models.DetectionEvent{
		NodeID:     nodeID,
		Species:    req.Species,
		Confidence: req.Confidence,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		ImageSize:  req.ImageSize,
		HasImage:   req.HasImage,
		Timestamp:  time.Now().UTC(),
	}
	raw, _ := json.Marshal(event)
	if _, err := rt.stores.Queue.Enqueue(models.ItemTypeDetection, raw); err != nil {
		slog.Error("enqueue detection failed", "node", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	rt.fanOut("detection", event)
	writeOK(w)
}

func (rt *Router) postImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImageUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	nodeID := strings.TrimSpace(r.FormValue("node_id"))
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	var meta models.ImageMetadata
	if metaRaw := r.FormValue("metadata"); metaRaw != "" {
		if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
			writeError(w, http.StatusBadRequest, "invalid metadata")
			return
		}
	}
	meta.NodeID = nodeID

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	spoolPath, size, err := rt.spoolImage(file)
	if err != nil {
		slog.Error("spooling image failed", "node", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	meta.SpoolPath = spoolPath
	meta.SizeBytes = size
	if meta.ContentType == "" {
		meta.ContentType = header.Header.Get("Content-Type")
	}

	rt.reg.Touch(nodeID, models.NodeUpdate{})

	raw, _ := json.Marshal(meta)
	if _, err := rt.stores.Queue.Enqueue(models.ItemTypeImage, raw); err != nil {
		slog.Error("enqueue image failed", "node", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	rt.fanOut("image", meta)
	writeOK(w)
}

func (rt *Router) spoolImage(file io.Reader) (string, int64, error) {
	if err := os.MkdirAll(rt.spoolDir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(rt.spoolDir, uuid.New().String()+".jpg")
	out, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer out.Close()

	size, err := io.Copy(out, file)
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	return path, size, nil
}

type telemetryRequest struct {
	NodeID       any      `json:"node_id"`
	BatteryLevel float64  `json:"battery_level"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	Pressure     *float64 `json:"pressure"`
	RSSI         *int     `json:"rssi"`
	SNR          *float64 `json:"snr"`
}

func (rt *Router) postTelemetry(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	nodeID := nodeIDString(req.NodeID)
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	battery := req.BatteryLevel
	rt.reg.Touch(nodeID, models.NodeUpdate{
		BatteryLevel: &battery,
		RSSI:         req.RSSI,
		SNR:          req.SNR,
	})

	reading := models.TelemetryReading{
		NodeID:       nodeID,
		BatteryLevel: req.BatteryLevel,
		Temperature:  req.Temperature,
		Humidity:     req.Humidity,
		Pressure:     req.Pressure,
		RSSI:         req.RSSI,
		SNR:          req.SNR,
		Timestamp:    time.Now().UTC(),
	}
	raw, _ := json.Marshal(reading)
	if _, err := rt.stores.Queue.Enqueue(models.ItemTypeTelemetry, raw); err != nil {
		slog.Error("enqueue telemetry failed", "node", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	rt.fanOut("telemetry", reading)
	writeOK(w)
}

type heartbeatRequest struct {
	NodeID          any     `json:"node_id"`
	Role            string  `json:"role"`
	BatteryLevel    float64 `json:"battery_level"`
	Uptime          int64   `json:"uptime"`
	FirmwareVersion string  `json:"firmware_version"`
}

// postHeartbeat updates node liveness only. Heartbeats are never queued for
// cloud sync.
func (rt *Router) postHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	nodeID := nodeIDString(req.NodeID)
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	battery := req.BatteryLevel
	uptime := req.Uptime
	node := rt.reg.Touch(nodeID, models.NodeUpdate{
		Role:            req.Role,
		BatteryLevel:    &battery,
		UptimeSeconds:   &uptime,
		FirmwareVersion: req.FirmwareVersion,
	})

	rt.fanOut("heartbeat", node)
	writeOK(w)
}

func (rt *Router) getNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": rt.reg.List()})
}

// getNodeConfig serves the per-node configuration blob, cached for a few
// minutes since nodes poll it on every wake cycle.
func (rt *Router) getNodeConfig(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]

	if cached := rt.configCache.Get(nodeID); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached.Value())
		return
	}

	blob := rt.loadNodeConfig(nodeID)
	rt.configCache.Set(nodeID, blob, ttlcache.DefaultTTL)

	w.Header().Set("Content-Type", "application/json")
	w.Write(blob)
}

func (rt *Router) loadNodeConfig(nodeID string) json.RawMessage {
	path := filepath.Join(rt.dataDir, "nodeconfig", nodeID+".json")
	if raw, err := os.ReadFile(path); err == nil && json.Valid(raw) {
		return raw
	}

	// Default config for nodes without an operator-provided override.
	blob, _ := json.Marshal(map[string]any{
		"node_id":            nodeID,
		"heartbeat_interval": 60,
		"telemetry_interval": 300,
		"capture_enabled":    true,
	})
	return blob
}

func (rt *Router) getStatus(w http.ResponseWriter, r *http.Request) {
	if rt.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rt.stats())
}

func (rt *Router) fanOut(event string, payload any) {
	rt.hub.Publish(event, payload)
	if rt.sink != nil {
		rt.sink.Publish(event, payload)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(dst)
}
