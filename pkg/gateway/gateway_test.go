package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailsense/edge-gateway/pkg/cloud"
	"github.com/trailsense/edge-gateway/pkg/config"
	"github.com/trailsense/edge-gateway/pkg/models"
	"github.com/trailsense/edge-gateway/pkg/mqttbridge"
	"github.com/trailsense/edge-gateway/pkg/store"
)

// fakeCloud accepts or rejects every upload wholesale.
type fakeCloud struct {
	healthy   bool
	uploadErr error
	uploads   int
}

func (f *fakeCloud) HealthCheck(_ context.Context) bool { return f.healthy }

func (f *fakeCloud) UploadDetection(_ context.Context, _ json.RawMessage) error {
	f.uploads++
	return f.uploadErr
}

func (f *fakeCloud) UploadTelemetry(_ context.Context, readings []json.RawMessage) error {
	f.uploads += len(readings)
	return f.uploadErr
}

func (f *fakeCloud) UploadImage(_ context.Context, _ []byte, _ json.RawMessage) (string, error) {
	f.uploads++
	return "", f.uploadErr
}

func (f *fakeCloud) UploadVideo(_ context.Context, _ []byte, _ json.RawMessage) error {
	f.uploads++
	return f.uploadErr
}

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	dataDir := t.TempDir()
	return &config.Configuration{
		ListenAddr: "127.0.0.1:0",
		DataDir:    dataDir,
		SpoolDir:   dataDir + "/spool",
		Sync: config.SyncSettings{
			Interval:          time.Hour,
			BatchSize:         10,
			BaseDelay:         time.Minute,
			MaxRetries:        5,
			Retention:         168 * time.Hour,
			TelemetryInterval: time.Hour,
		},
		Nodes: config.NodeSettings{
			SweepInterval:  time.Hour,
			OfflineTimeout: 5 * time.Minute,
		},
	}
}

func newTestGateway(t *testing.T, api cloud.API) (*Gateway, *store.Stores) {
	t.Helper()
	cfg := testConfig(t)
	db, err := store.Open(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stores := &store.Stores{
		Queue:   store.NewSyncQueue(db, cfg.Sync.BaseDelay, cfg.Sync.MaxRetries),
		Packets: store.NewPacketLog(db),
	}
	return New(cfg, stores, nil, api, mqttbridge.NewNopPublisher()), stores
}

func TestSyncCycleDrainsQueue(t *testing.T) {
	api := &fakeCloud{healthy: true}
	g, stores := newTestGateway(t, api)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := stores.Queue.Enqueue(models.ItemTypeDetection, []byte(`{}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	g.SyncCycle(context.Background())

	assert.Equal(t, 3, api.uploads)
	for _, id := range ids {
		item, err := stores.Queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSynced, item.Status)
	}
}

func TestSyncCycleRespectsBatchSize(t *testing.T) {
	api := &fakeCloud{healthy: true}
	g, stores := newTestGateway(t, api)
	g.cfg.Sync.BatchSize = 2

	for i := 0; i < 5; i++ {
		_, err := stores.Queue.Enqueue(models.ItemTypeDetection, []byte(`{}`))
		require.NoError(t, err)
	}

	g.SyncCycle(context.Background())
	assert.Equal(t, 2, api.uploads)

	stats, err := stores.Queue.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 2, stats.Synced)
}

func TestSyncCycleUnreachableCloudLeavesQueueUntouched(t *testing.T) {
	api := &fakeCloud{healthy: false}
	g, stores := newTestGateway(t, api)

	id, err := stores.Queue.Enqueue(models.ItemTypeDetection, []byte(`{}`))
	require.NoError(t, err)

	g.SyncCycle(context.Background())

	assert.Equal(t, 0, api.uploads)
	item, err := stores.Queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
}

func TestStats(t *testing.T) {
	api := &fakeCloud{healthy: true}
	g, stores := newTestGateway(t, api)

	_, err := stores.Queue.Enqueue(models.ItemTypeDetection, []byte(`{}`))
	require.NoError(t, err)
	g.Registry().Touch("node-1", models.NodeUpdate{})

	stats := g.Stats()
	assert.Equal(t, 1, stats.Queue.Pending)
	assert.Equal(t, 1, stats.NodesTotal)
	assert.Equal(t, 1, stats.NodesOnline)
	assert.False(t, stats.GeneratedAt.IsZero())
}

func TestRunRecoversStuckItemsAndStops(t *testing.T) {
	api := &fakeCloud{healthy: true}
	g, stores := newTestGateway(t, api)

	// simulate a crash mid-attempt
	id, err := stores.Queue.Enqueue(models.ItemTypeDetection, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, stores.Queue.MarkSyncing(id))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	// the startup release plus the immediate first sync cycle push the
	// stuck item all the way through
	require.Eventually(t, func() bool {
		item, err := stores.Queue.Get(id)
		return err == nil && item.Status == models.StatusSynced
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunReturnsServerError(t *testing.T) {
	api := &fakeCloud{healthy: true}
	g, _ := newTestGateway(t, api)
	g.cfg.ListenAddr = "256.256.256.256:99999" // unbindable

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Error(t, g.Run(ctx))
}
