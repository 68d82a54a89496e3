package metadb

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"spellforge.gg/internal/protocol"
)

func (s *Store) CreateWorld(name, description, createdBy string) (protocol.World, error) {
	u := uuid.New()
	worldID := "world_" + hex.EncodeToString(u[:])[:8]
	now := nowStamp()
	_, err := s.db.Exec(
		`INSERT INTO worlds (world_id, name, description, created_by, player_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		worldID, name, description, createdBy, now, now,
	)
	if err != nil {
		return protocol.World{}, err
	}
	return s.GetWorld(worldID)
}

func (s *Store) GetWorld(worldID string) (protocol.World, error) {
	row := s.db.QueryRow(
		`SELECT world_id, name, description, created_by, player_count, created_at, updated_at
		 FROM worlds WHERE world_id = ?`, worldID)
	return scanWorld(row)
}

func (s *Store) ListWorlds() ([]protocol.World, error) {
	rows, err := s.db.Query(
		`SELECT world_id, name, description, created_by, player_count, created_at, updated_at
		 FROM worlds ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var worlds []protocol.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, err
		}
		worlds = append(worlds, w)
	}
	return worlds, rows.Err()
}

func (s *Store) WorldExists(worldID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM worlds WHERE world_id = ?`, worldID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// AdjustPlayerCount moves player_count by delta, clamped at zero.
func (s *Store) AdjustPlayerCount(worldID string, delta int) error {
	res, err := s.db.Exec(
		`UPDATE worlds SET player_count = MAX(0, player_count + ?), updated_at = ? WHERE world_id = ?`,
		delta, nowStamp(), worldID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorld removes the world and its op log in one transaction.
func (s *Store) DeleteWorld(worldID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM world_ops WHERE world_id = ?`, worldID); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM worlds WHERE world_id = ?`, worldID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AppendOp appends one op to the world's log and returns its sequence
// number. Sequences are gap-free and strictly increasing per world; the
// allocation and insert share a transaction so concurrent appenders
// cannot collide.
func (s *Store) AppendOp(worldID string, op protocol.OpData) (int64, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM world_ops WHERE world_id = ?`, worldID).Scan(&seq); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		`INSERT INTO world_ops (world_id, seq, op_type, op_data, created_at) VALUES (?, ?, ?, ?, ?)`,
		worldID, seq, op.Op, string(payload), nowStamp()); err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// ListOps returns the full op log for a world in sequence order.
func (s *Store) ListOps(worldID string) ([]protocol.WorldOp, error) {
	rows, err := s.db.Query(
		`SELECT world_id, seq, op_type, op_data, created_at
		 FROM world_ops WHERE world_id = ? ORDER BY seq ASC`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ops []protocol.WorldOp
	for rows.Next() {
		var op protocol.WorldOp
		var raw string
		if err := rows.Scan(&op.WorldID, &op.Seq, &op.OpType, &raw, &op.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &op.OpData); err != nil {
			return nil, fmt.Errorf("op %s/%d: %w", op.WorldID, op.Seq, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Store) CountOps(worldID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM world_ops WHERE world_id = ?`, worldID).Scan(&n)
	return n, err
}

// ClearOps deletes the world's op log and returns the number removed.
func (s *Store) ClearOps(worldID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM world_ops WHERE world_id = ?`, worldID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorld(row rowScanner) (protocol.World, error) {
	var w protocol.World
	err := row.Scan(&w.WorldID, &w.Name, &w.Description, &w.CreatedBy, &w.PlayerCount, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}
