package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/trailsense/edge-gateway/pkg/models"
)

var selectQueueItems = `SELECT * FROM sync_queue`

var (
	// ErrNotPending is returned when an item cannot move to syncing because
	// another attempt already claimed it or it reached a terminal status.
	ErrNotPending = errors.New("queue item is not pending")
	// ErrNotSyncing is returned when a completion transition is applied to
	// an item that was never claimed.
	ErrNotSyncing = errors.New("queue item is not syncing")
	// ErrItemNotFound is returned when the referenced item does not exist.
	ErrItemNotFound = errors.New("queue item not found")
)

// SyncQueueStore is the durable store-and-forward queue of outbound items.
// Enqueued data survives process restarts; status transitions are durable
// writes so a crash mid-sync is recovered by the cloud API's idempotency.
type SyncQueueStore interface {
	Enqueue(itemType models.ItemType, payload []byte) (int64, error)
	Get(id int64) (*models.QueueItem, error)
	GetPending(limit int) ([]*models.QueueItem, error)
	MarkSyncing(id int64) error
	MarkSynced(id int64) error
	MarkFailedRetry(id int64, cause error) error
	ReleaseSyncing() (int64, error)
	CleanupSynced(retention time.Duration) (int64, error)
	Stats() (models.QueueStats, error)
}

type sqliteSyncQueue struct {
	db         *sqlx.DB
	baseDelay  time.Duration
	maxRetries int
}

// NewSyncQueue creates a sync queue store over the gateway database.
// baseDelay and maxRetries control the exponential backoff schedule:
// next_retry = now + baseDelay * 2^retry_count, terminal failed once
// retry_count reaches maxRetries.
func NewSyncQueue(db *sqlx.DB, baseDelay time.Duration, maxRetries int) SyncQueueStore {
	return &sqliteSyncQueue{db: db, baseDelay: baseDelay, maxRetries: maxRetries}
}

func (s *sqliteSyncQueue) Enqueue(itemType models.ItemType, payload []byte) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	INSERT INTO sync_queue (item_type, payload, created_at, retry_count, next_retry, status)
	VALUES (?, ?, ?, 0, ?, ?);`,
		itemType, payload, now, now, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s item: %w", itemType, err)
	}
	return res.LastInsertId()
}

func (s *sqliteSyncQueue) Get(id int64) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.Get(&item, selectQueueItems+" WHERE id = ?;", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetPending returns items eligible for sync, oldest first.
func (s *sqliteSyncQueue) GetPending(limit int) ([]*models.QueueItem, error) {
	items := []*models.QueueItem{}
	err := s.db.Select(&items, selectQueueItems+`
	 WHERE status = ? AND next_retry <= ?
	 ORDER BY created_at ASC, id ASC
	 LIMIT ?;`,
		models.StatusPending, time.Now().UTC(), limit)
	if err == sql.ErrNoRows {
		return []*models.QueueItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

// MarkSyncing claims an item for an upload attempt. The conditional update
// is what keeps two sync attempts from racing on the same item.
func (s *sqliteSyncQueue) MarkSyncing(id int64) error {
	res, err := s.db.Exec(
		`UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?;`,
		models.StatusSyncing, id, models.StatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *sqliteSyncQueue) MarkSynced(id int64) error {
	res, err := s.db.Exec(
		`UPDATE sync_queue SET status = ?, last_error = NULL WHERE id = ? AND status = ?;`,
		models.StatusSynced, id, models.StatusSyncing)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotSyncing
	}
	return nil
}

// MarkFailedRetry records a failed attempt. The item is rescheduled with
// exponential backoff, or moved to terminal failed once the attempt count
// reaches the configured maximum. Failed items are retained for operator
// inspection, never deleted here.
func (s *sqliteSyncQueue) MarkFailedRetry(id int64, cause error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var item models.QueueItem
	if err := tx.Get(&item, selectQueueItems+" WHERE id = ?;", id); err != nil {
		if err == sql.ErrNoRows {
			return ErrItemNotFound
		}
		return err
	}
	if item.Status != models.StatusSyncing {
		return ErrNotSyncing
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	delay := s.baseDelay * (1 << uint(item.RetryCount))
	newCount := item.RetryCount + 1

	if newCount >= s.maxRetries {
		_, err = tx.Exec(
			`UPDATE sync_queue SET status = ?, retry_count = ?, last_error = ? WHERE id = ?;`,
			models.StatusFailed, newCount, errText, id)
	} else {
		_, err = tx.Exec(
			`UPDATE sync_queue SET status = ?, retry_count = ?, next_retry = ?, last_error = ? WHERE id = ?;`,
			models.StatusPending, newCount, time.Now().UTC().Add(delay), errText, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseSyncing returns any items stuck in syncing back to pending. Called
// once at startup: an item left syncing means the process died mid-attempt,
// and at-least-once delivery makes re-uploading safe.
func (s *sqliteSyncQueue) ReleaseSyncing() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sync_queue SET status = ? WHERE status = ?;`,
		models.StatusPending, models.StatusSyncing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupSynced removes synced items older than the retention window to
// bound storage growth. Failed items are kept.
func (s *sqliteSyncQueue) CleanupSynced(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.Exec(
		`DELETE FROM sync_queue WHERE status = ? AND created_at < ?;`,
		models.StatusSynced, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteSyncQueue) Stats() (models.QueueStats, error) {
	rows, err := s.db.Queryx(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status;`)
	if err != nil {
		return models.QueueStats{}, err
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status models.ItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.QueueStats{}, err
		}
		switch status {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusSyncing:
			stats.Syncing = count
		case models.StatusSynced:
			stats.Synced = count
		case models.StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}
