package routes

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailsense/edge-gateway/pkg/models"
	"github.com/trailsense/edge-gateway/pkg/registry"
	"github.com/trailsense/edge-gateway/pkg/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Publish(event string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

type testEnv struct {
	handler http.Handler
	reg     *registry.Registry
	stores  *store.Stores
	sink    *recordingSink
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	db, err := store.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stores := &store.Stores{
		Queue:   store.NewSyncQueue(db, time.Minute, 5),
		Packets: store.NewPacketLog(db),
	}
	reg := registry.NewRegistry()
	sink := &recordingSink{}
	stats := func() models.GatewayStats {
		return models.GatewayStats{GeneratedAt: time.Now().UTC()}
	}

	rt := NewRouter(reg, stores, NewHub(), sink, stats, dataDir, filepath.Join(dataDir, "spool"))
	return &testEnv{
		handler: rt.Routes(),
		reg:     reg,
		stores:  stores,
		sink:    sink,
		dataDir: dataDir,
	}
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPostDetection(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/api/detection",
		`{"node_id": 1001, "species": "deer", "confidence": 0.85}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	// numeric node_id normalizes to its decimal string form
	node, ok := env.reg.Get("1001")
	require.True(t, ok)
	assert.True(t, node.IsOnline)

	items, err := env.stores.Queue.GetPending(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemTypeDetection, items[0].ItemType)

	var event models.DetectionEvent
	require.NoError(t, json.Unmarshal(items[0].Payload, &event))
	assert.Equal(t, "1001", event.NodeID)
	assert.Equal(t, "deer", event.Species)
	assert.Equal(t, 0.85, event.Confidence)

	assert.Equal(t, []string{"detection"}, env.sink.events)
}

func TestPostDetectionMissingNodeID(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/api/detection", `{"species": "deer"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp["status"])

	// a rejected request leaves no trace
	assert.Empty(t, env.reg.List())
	items, err := env.stores.Queue.GetPending(10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPostDetectionInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	w := postJSON(t, env.handler, "/api/detection", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostDetectionStringNodeID(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/api/detection",
		`{"node_id": "cam-north-04", "species": "fox", "confidence": 0.6}`)
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := env.reg.Get("cam-north-04")
	assert.True(t, ok)
}

func TestPostTelemetry(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/api/telemetry",
		`{"node_id": "sensor-1", "battery_level": 78.5, "temperature": 19.25, "rssi": -88}`)
	require.Equal(t, http.StatusOK, w.Code)

	node, ok := env.reg.Get("sensor-1")
	require.True(t, ok)
	require.NotNil(t, node.BatteryLevel)
	assert.Equal(t, 78.5, *node.BatteryLevel)
	require.NotNil(t, node.RSSI)
	assert.Equal(t, -88, *node.RSSI)

	items, err := env.stores.Queue.GetPending(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemTypeTelemetry, items[0].ItemType)

	var reading models.TelemetryReading
	require.NoError(t, json.Unmarshal(items[0].Payload, &reading))
	require.NotNil(t, reading.Temperature)
	assert.Equal(t, 19.25, *reading.Temperature)
	assert.Nil(t, reading.Humidity)
}

func TestPostHeartbeatNeverQueued(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/api/heartbeat",
		`{"node_id": "cam-1", "role": "camera", "battery_level": 91, "uptime": 7200, "firmware_version": "2.4.1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	node, ok := env.reg.Get("cam-1")
	require.True(t, ok)
	assert.Equal(t, "camera", node.Role)
	assert.Equal(t, "2.4.1", node.FirmwareVersion)
	require.NotNil(t, node.UptimeSeconds)
	assert.Equal(t, int64(7200), *node.UptimeSeconds)

	// liveness only: the sync queue stays empty
	items, err := env.stores.Queue.GetPending(10)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.Equal(t, []string{"heartbeat"}, env.sink.events)
}

func TestPostImageSpoolsAndQueues(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("node_id", "cam-2"))
	require.NoError(t, mw.WriteField("metadata", `{"species":"boar","confidence":0.7}`))
	part, err := mw.CreateFormFile("image", "capture.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	items, err := env.stores.Queue.GetPending(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemTypeImage, items[0].ItemType)

	var meta models.ImageMetadata
	require.NoError(t, json.Unmarshal(items[0].Payload, &meta))
	assert.Equal(t, "cam-2", meta.NodeID)
	assert.Equal(t, "boar", meta.Species)
	assert.Equal(t, int64(len("jpeg-bytes")), meta.SizeBytes)

	// bytes live in the spool, referenced by path
	data, err := os.ReadFile(meta.SpoolPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
}

func TestPostImageMissingFile(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("node_id", "cam-2"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetNodes(t *testing.T) {
	env := newTestEnv(t)

	env.reg.Touch("node-b", models.NodeUpdate{})
	env.reg.Touch("node-a", models.NodeUpdate{})

	req := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Nodes []models.FieldNode `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 2)
	assert.Equal(t, "node-a", resp.Nodes[0].NodeID)
	assert.Equal(t, "node-b", resp.Nodes[1].NodeID)
}

func TestGetNodeConfigDefault(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/cam-9/config", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, "cam-9", cfg["node_id"])
	assert.Equal(t, true, cfg["capture_enabled"])
}

func TestGetNodeConfigOverrideFile(t *testing.T) {
	env := newTestEnv(t)

	cfgDir := filepath.Join(env.dataDir, "nodeconfig")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "cam-7.json"),
		[]byte(`{"node_id":"cam-7","capture_enabled":false}`), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/cam-7/config", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"node_id":"cam-7","capture_enabled":false}`, w.Body.String())

	// served from cache afterwards: deleting the file does not change the answer
	require.NoError(t, os.Remove(filepath.Join(cfgDir, "cam-7.json")))
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/nodes/cam-7/config", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"node_id":"cam-7","capture_enabled":false}`, w.Body.String())
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var stats models.GatewayStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.False(t, stats.GeneratedAt.IsZero())
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/detection", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
