package db

import (
	"database/sql"
	"fmt"

	"github.com/sigreer/stubos/internal/apfs"
)

const upsertSnapshot = `
	INSERT INTO os_snapshots (partition, vgid, label, version, kind, stub, bootloader_version, sys_volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(partition, vgid) DO UPDATE SET
		label = excluded.label,
		version = excluded.version,
		kind = excluded.kind,
		stub = excluded.stub,
		bootloader_version = excluded.bootloader_version,
		sys_volume = excluded.sys_volume,
		last_seen = CURRENT_TIMESTAMP
`

// RecordSnapshots upserts a listing by partition and vgid in one
// transaction. Records without a partition are skipped.
func (d *DB) RecordSnapshots(oses []*apfs.OSInfo) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}

	for _, osi := range oses {
		if osi.Partition == nil {
			continue
		}
		_, err := tx.Exec(upsertSnapshot, osi.Partition.Name, osi.VGID, osi.Label, osi.Version,
			string(osi.Kind()), osi.Stub, osi.BootloaderVersion, osi.SysVolume)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record snapshot of %s: %w", osi.VGID, err)
		}
	}
	return tx.Commit()
}

// RecordSnapshot upserts a single OS
func (d *DB) RecordSnapshot(osi *apfs.OSInfo) error {
	return d.RecordSnapshots([]*apfs.OSInfo{osi})
}

// GetSnapshots returns every recorded OS ordered by partition
func (d *DB) GetSnapshots() ([]*Snapshot, error) {
	rows, err := d.conn.Query(`
		SELECT id, partition, vgid, label, version, kind, stub, bootloader_version, sys_volume, first_seen, last_seen
		FROM os_snapshots
		ORDER BY partition, vgid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var s Snapshot
		var label, version, blVersion, sysVolume sql.NullString
		err := rows.Scan(&s.ID, &s.Partition, &s.VGID, &label, &version, &s.Kind,
			&s.Stub, &blVersion, &sysVolume, &s.FirstSeen, &s.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		s.Label = label.String
		s.Version = version.String
		s.BootloaderVersion = blVersion.String
		s.SysVolume = sysVolume.String
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}
