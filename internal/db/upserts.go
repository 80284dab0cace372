package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// scanUpsert scans a row into an Upsert. The row must have all 8 columns in standard order.
func scanUpsert(scanner interface{ Scan(dest ...any) error }) (Upsert, error) {
	var u Upsert
	err := scanner.Scan(
		&u.ID, &u.NodeID, &u.MatchID, &u.Mode, &u.Inserted,
		&u.Columns, &u.Source, &u.CreatedAt,
	)
	return u, err
}

// RecordUpsert journals one registry upsert and returns it with its new ID
func (d *DB) RecordUpsert(u Upsert) (*Upsert, error) {
	u.ID = uuid.New().String()
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	_, err := d.conn.Exec(`
		INSERT INTO upserts (id, node_id, match_id, mode, inserted, columns, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.NodeID, u.MatchID, u.Mode, u.Inserted, u.Columns, u.Source, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording upsert: %w", err)
	}
	return &u, nil
}

// RecentUpserts returns the newest upserts first. An empty nodeID matches
// every node; a node matches as either the written or the matched id.
func (d *DB) RecentUpserts(nodeID string, limit int) ([]Upsert, error) {
	rows, err := d.conn.Query(`
		SELECT id, node_id, match_id, mode, inserted, columns, source, created_at
		FROM upserts
		WHERE ? = '' OR node_id = ? OR match_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, nodeID, nodeID, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Upsert
	for rows.Next() {
		u, err := scanUpsert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
