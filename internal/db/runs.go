package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// scanRun scans a row into a Run. The row must have all 9 columns in standard order.
func scanRun(scanner interface{ Scan(dest ...any) error }) (Run, error) {
	var r Run
	var exit sql.NullInt64
	err := scanner.Scan(
		&r.ID, &r.NodeID, &r.Command, &r.WorkingDir, &r.Status,
		&exit, &r.Output, &r.StartedAt, &r.FinishedAt,
	)
	if exit.Valid {
		code := int(exit.Int64)
		r.ExitCode = &code
	}
	return r, err
}

const runColumns = `id, node_id, command, working_dir, status, exit_code, output, started_at, finished_at`

// StartRun journals a run as running and returns its ID
func (d *DB) StartRun(nodeID, command, workingDir string) (string, error) {
	id := uuid.New().String()
	_, err := d.conn.Exec(`
		INSERT INTO runs (id, node_id, command, working_dir, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, nodeID, command, workingDir, StatusRunning, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// FinishRun records the outcome of a started run
func (d *DB) FinishRun(id, status string, exitCode *int, output string) error {
	res, err := d.conn.Exec(`
		UPDATE runs SET status = ?, exit_code = ?, output = ?, finished_at = ?
		WHERE id = ?
	`, status, exitCode, output, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun returns a single run by ID, or nil if not found
func (d *DB) GetRun(id string) (*Run, error) {
	row := d.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RunsForNode returns a node's runs, newest first. An empty nodeID returns
// runs of every node.
func (d *DB) RunsForNode(nodeID string, limit int) ([]Run, error) {
	rows, err := d.conn.Query(`
		SELECT `+runColumns+` FROM runs
		WHERE ? = '' OR node_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, nodeID, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRuns returns the most recent run of every node that has one
func (d *DB) LatestRuns() (map[string]Run, error) {
	rows, err := d.conn.Query(`
		SELECT ` + runColumns + ` FROM runs
		ORDER BY started_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[string]Run)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		latest[r.NodeID] = r
	}
	return latest, rows.Err()
}
