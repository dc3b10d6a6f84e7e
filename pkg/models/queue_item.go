package models

import (
	"encoding/json"
	"time"
)

// ItemType identifies the kind of payload carried by a queue item.
type ItemType string

const (
	ItemTypeDetection ItemType = "detection"
	ItemTypeTelemetry ItemType = "telemetry"
	ItemTypeImage     ItemType = "image"
	ItemTypeVideo     ItemType = "video"
)

// ItemStatus is the sync state of a queue item. Synced and failed are
// terminal; an item never re-enters pending from either.
type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	StatusSyncing ItemStatus = "syncing"
	StatusSynced  ItemStatus = "synced"
	StatusFailed  ItemStatus = "failed"
)

// QueueItem is one unit of outbound work in the sync queue.
type QueueItem struct {
	ID         int64           `db:"id" json:"id"`
	ItemType   ItemType        `db:"item_type" json:"item_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	NextRetry  time.Time       `db:"next_retry" json:"next_retry"`
	Status     ItemStatus      `db:"status" json:"status"`
	LastError  *string         `db:"last_error" json:"last_error,omitempty"`
}

// IsTerminal reports whether the item can never be retried again.
func (q *QueueItem) IsTerminal() bool {
	return q.Status == StatusSynced || q.Status == StatusFailed
}
