package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/trailsense/edge-gateway/pkg/models"
)

var selectPackets = `SELECT * FROM packet_log`

// PacketLogStore is the append-only audit trail of received radio frames.
// It is diagnostic state, independent of the sync queue.
type PacketLogStore interface {
	Insert(rec *models.PacketRecord) error
	Recent(limit int) ([]*models.PacketRecord, error)
	Count() (int64, error)
}

type sqlitePacketLog struct {
	db *sqlx.DB
}

// NewPacketLog creates a packet log store over the gateway database.
func NewPacketLog(db *sqlx.DB) PacketLogStore {
	return &sqlitePacketLog{db: db}
}

func (s *sqlitePacketLog) Insert(rec *models.PacketRecord) error {
	stmt := `
	INSERT INTO packet_log (node_id, packet_type, sequence, payload, rssi, snr, received_at)
	VALUES (:node_id, :packet_type, :sequence, :payload, :rssi, :snr, :received_at);`

	_, err := s.db.NamedExec(stmt, rec)
	return err
}

func (s *sqlitePacketLog) Recent(limit int) ([]*models.PacketRecord, error) {
	recs := []*models.PacketRecord{}
	err := s.db.Select(&recs, selectPackets+" ORDER BY received_at DESC, id DESC LIMIT ?;", limit)
	if err == sql.ErrNoRows {
		return []*models.PacketRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *sqlitePacketLog) Count() (int64, error) {
	var n int64
	err := s.db.Get(&n, `SELECT COUNT(*) FROM packet_log;`)
	return n, err
}
