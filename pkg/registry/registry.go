// Package registry tracks known field nodes and their liveness. It is the
// single owner of node records; ingestors mutate them only through Touch.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trailsense/edge-gateway/pkg/models"
)

// Registry is the in-memory table of known field nodes. Nodes are created
// lazily on first message and never deleted, only marked offline. Liveness
// is inferred purely from elapsed time since last_seen; nodes are never
// probed.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*models.FieldNode

	clock func() time.Time
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[string]*models.FieldNode),
		clock: time.Now,
	}
}

// Touch upserts the node record for nodeID: the record is created if absent,
// last_seen is refreshed, any non-nil update fields are overwritten, and the
// node is marked online. Returns a copy of the updated record.
func (r *Registry) Touch(nodeID string, u models.NodeUpdate) models.FieldNode {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &models.FieldNode{
			NodeID:    nodeID,
			FirstSeen: now,
		}
		r.nodes[nodeID] = node
		slog.Info("new node registered", "node", nodeID)
	}

	wasOffline := ok && !node.IsOnline
	node.LastSeen = now
	node.IsOnline = true
	node.OfflineSince = nil

	if u.Role != "" {
		node.Role = u.Role
	}
	if u.BatteryLevel != nil {
		node.BatteryLevel = u.BatteryLevel
	}
	if u.FirmwareVersion != "" {
		node.FirmwareVersion = u.FirmwareVersion
	}
	if u.UptimeSeconds != nil {
		node.UptimeSeconds = u.UptimeSeconds
	}
	if u.RSSI != nil {
		node.RSSI = u.RSSI
	}
	if u.SNR != nil {
		node.SNR = u.SNR
	}

	if wasOffline {
		slog.Info("node back online", "node", nodeID)
	}

	return *node
}

// Sweep marks every online node unseen for longer than timeout as offline
// and returns the IDs that transitioned. A node already offline is skipped,
// so the offline event fires exactly once per transition.
func (r *Registry) Sweep(timeout time.Duration) []string {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var wentOffline []string
	for id, node := range r.nodes {
		if !node.IsOnline {
			continue
		}
		if now.Sub(node.LastSeen) > timeout {
			node.IsOnline = false
			since := node.LastSeen
			node.OfflineSince = &since
			wentOffline = append(wentOffline, id)
			slog.Warn("node went offline", "node", id, "last_seen", node.LastSeen)
		}
	}
	sort.Strings(wentOffline)
	return wentOffline
}

// Get returns a copy of the node record, if known.
func (r *Registry) Get(nodeID string) (models.FieldNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return models.FieldNode{}, false
	}
	return *node, true
}

// List returns copies of all node records, sorted by node ID.
func (r *Registry) List() []models.FieldNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.FieldNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Counts returns the total and currently-online node counts.
func (r *Registry) Counts() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total = len(r.nodes)
	for _, node := range r.nodes {
		if node.IsOnline {
			online++
		}
	}
	return total, online
}
