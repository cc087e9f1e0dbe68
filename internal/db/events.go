package db

import (
	"database/sql"
	"fmt"
)

// RecordInstallEvent logs one installer step
func (d *DB) RecordInstallEvent(installID, partition, vgid, step, details string) error {
	_, err := d.conn.Exec(`
		INSERT INTO install_events (install_id, partition, vgid, step, details)
		VALUES (?, ?, ?, ?, ?)
	`, installID, partition, vgid, step, details)
	if err != nil {
		return fmt.Errorf("failed to record install event: %w", err)
	}
	return nil
}

// GetRecentInstallEvents returns the most recent steps across all installs
func (d *DB) GetRecentInstallEvents(limit int) ([]*InstallEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(`
		SELECT id, install_id, partition, vgid, step, details, timestamp
		FROM install_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query install events: %w", err)
	}
	defer rows.Close()

	return scanInstallEvents(rows)
}

// GetInstallEvents returns the steps of one install in the order they ran
func (d *DB) GetInstallEvents(installID string) ([]*InstallEvent, error) {
	rows, err := d.conn.Query(`
		SELECT id, install_id, partition, vgid, step, details, timestamp
		FROM install_events
		WHERE install_id = ?
		ORDER BY id ASC
	`, installID)
	if err != nil {
		return nil, fmt.Errorf("failed to query install events: %w", err)
	}
	defer rows.Close()

	return scanInstallEvents(rows)
}

func scanInstallEvents(rows *sql.Rows) ([]*InstallEvent, error) {
	var events []*InstallEvent
	for rows.Next() {
		var event InstallEvent
		var partition, vgid, details sql.NullString

		err := rows.Scan(
			&event.ID, &event.InstallID, &partition, &vgid,
			&event.Step, &details, &event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan install event: %w", err)
		}

		event.Partition = partition.String
		event.VGID = vgid.String
		event.Details = details.String
		events = append(events, &event)
	}

	return events, rows.Err()
}
