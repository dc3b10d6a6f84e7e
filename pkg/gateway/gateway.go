// Package gateway wires the ingestors, registry, queue and bridges together
// and runs the periodic loops. Each loop is an independent goroutine: a
// cloud outage stalls only the sync loop, never ingestion or node tracking.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/trailsense/edge-gateway/pkg/cloud"
	"github.com/trailsense/edge-gateway/pkg/config"
	"github.com/trailsense/edge-gateway/pkg/lora"
	"github.com/trailsense/edge-gateway/pkg/models"
	"github.com/trailsense/edge-gateway/pkg/mqttbridge"
	"github.com/trailsense/edge-gateway/pkg/registry"
	"github.com/trailsense/edge-gateway/pkg/routes"
	"github.com/trailsense/edge-gateway/pkg/store"
)

const (
	cleanupInterval = 1 * time.Hour
	shutdownTimeout = 5 * time.Second
)

// Gateway is the assembled edge gateway.
type Gateway struct {
	cfg    *config.Configuration
	stores *store.Stores
	reg    *registry.Registry
	bridge *cloud.Bridge
	pub    mqttbridge.Publisher
	hub    *routes.Hub
	router *routes.Router

	// nil when no radio is configured
	ingestor *lora.Ingestor
}

// fanout pushes one event to both the websocket hub and the MQTT publisher.
type fanout struct {
	hub *routes.Hub
	pub mqttbridge.Publisher
}

func (f *fanout) Publish(event string, payload any) {
	f.hub.Publish(event, payload)
	f.pub.Publish(event, payload)
}

// New assembles a gateway from its parts. radio may be nil when the LoRa
// interface is disabled.
func New(cfg *config.Configuration, stores *store.Stores, radio lora.Radio, api cloud.API, pub mqttbridge.Publisher) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		stores: stores,
		reg:    registry.NewRegistry(),
		pub:    pub,
		hub:    routes.NewHub(),
	}

	g.bridge = cloud.NewBridge(api, stores.Queue, cfg.SpoolDir)
	g.router = routes.NewRouter(g.reg, stores, g.hub, pub, g.Stats, cfg.DataDir, cfg.SpoolDir)

	if radio != nil {
		sink := &fanout{hub: g.hub, pub: pub}
		g.ingestor = lora.NewIngestor(radio, g.reg, stores, sink,
			cfg.Radio.GatewayID, cfg.Radio.BeaconInterval)
	}

	return g
}

// Registry exposes the node registry, mainly for tests.
func (g *Gateway) Registry() *registry.Registry { return g.reg }

// Stats gathers the aggregate snapshot reported on the status loop and
// served from /api/status.
func (g *Gateway) Stats() models.GatewayStats {
	queueStats, err := g.stores.Queue.Stats()
	if err != nil {
		slog.Error("gathering queue stats failed", "error", err)
	}
	packets, err := g.stores.Packets.Count()
	if err != nil {
		slog.Error("counting packet log failed", "error", err)
	}
	total, online := g.reg.Counts()
	published, failed := g.pub.Counters()

	return models.GatewayStats{
		Queue:          queueStats,
		NodesTotal:     total,
		NodesOnline:    online,
		PacketsLogged:  packets,
		MQTTPublished:  published,
		MQTTPublishErr: failed,
		GeneratedAt:    time.Now().UTC(),
	}
}

// Run starts every loop and blocks until ctx is cancelled, then drains:
// loops finish their current iteration before Run returns so queue state is
// never corrupted mid-write.
func (g *Gateway) Run(ctx context.Context) error {
	// Items left syncing by a crash go back to pending; the cloud API is
	// idempotent on retransmission.
	if n, err := g.stores.Queue.ReleaseSyncing(); err != nil {
		return err
	} else if n > 0 {
		slog.Info("released stuck syncing items", "count", n)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	srv := &http.Server{
		Addr:    g.cfg.ListenAddr,
		Handler: g.router.Routes(),
	}
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("http ingestor listening", "addr", g.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	wg.Add(4)
	go func() { defer wg.Done(); g.syncLoop(ctx) }()
	go func() { defer wg.Done(); g.sweepLoop(ctx) }()
	go func() { defer wg.Done(); g.telemetryLoop(ctx) }()
	go func() { defer wg.Done(); g.cleanupLoop(ctx) }()

	if g.ingestor != nil {
		wg.Add(1)
		go func() { defer wg.Done(); g.ingestor.Run(ctx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("http server failed", "error", runErr)
	}
	cancel() // stop the loops whichever way we got here

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	wg.Wait()
	g.pub.Close()
	slog.Info("gateway stopped")
	return runErr
}

// syncLoop drains one batch per cycle through the cloud bridge. One batch
// per interval caps burst load on both the gateway and the cloud endpoint.
func (g *Gateway) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Sync.Interval)
	defer ticker.Stop()

	for {
		g.syncCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncCycle runs a single sync cycle. Exported for the orchestrator tests.
func (g *Gateway) SyncCycle(ctx context.Context) { g.syncCycle(ctx) }

func (g *Gateway) syncCycle(ctx context.Context) {
	items, err := g.stores.Queue.GetPending(g.cfg.Sync.BatchSize)
	if err != nil {
		slog.Error("fetching pending items failed", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}
	slog.Debug("sync cycle", "items", len(items))
	g.bridge.UploadBatch(ctx, items)
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Nodes.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, nodeID := range g.reg.Sweep(g.cfg.Nodes.OfflineTimeout) {
				if node, ok := g.reg.Get(nodeID); ok {
					g.hub.Publish("node_offline", node)
					g.pub.Publish("node_offline", node)
				}
			}
		}
	}
}

// telemetryLoop publishes the aggregate gateway snapshot for operator
// visibility.
func (g *Gateway) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Sync.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := g.Stats()
			slog.Info("gateway status",
				"pending", stats.Queue.Pending, "synced", stats.Queue.Synced,
				"failed", stats.Queue.Failed, "nodes_online", stats.NodesOnline,
				"nodes_total", stats.NodesTotal)
			g.hub.Publish("status", stats)
			g.pub.Publish("status", stats)
		}
	}
}

// cleanupLoop prunes synced items past the retention window. Failed items
// are retained for operator inspection.
func (g *Gateway) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.stores.Queue.CleanupSynced(g.cfg.Sync.Retention)
			if err != nil {
				slog.Error("queue cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed synced items past retention", "count", n)
			}
		}
	}
}
