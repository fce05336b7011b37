package store

import (
	"context"
	"fmt"
	"time"

	"github.com/spacefleet/collector/internal/models"
)

func unixNano(t time.Time) int64 { return t.UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

// AppendCollection stores one host's filesystem records and directory rows
// in a single transaction. History is append-only.
func (s *Store) AppendCollection(ctx context.Context, records []models.FilesystemRecord, dirs []models.DirectoryUsage) error {
	if len(records) == 0 && len(dirs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	fsStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO filesystem_usage (host_id, device, fs_type, mount_point, total_bytes, used_bytes, free_bytes, use_percent, collected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare filesystem insert: %w", err)
	}
	defer fsStmt.Close()

	for _, r := range records {
		if r.TotalBytes == 0 {
			continue
		}
		if _, err := fsStmt.ExecContext(ctx, r.HostID, r.Device, r.FSType, r.MountPoint,
			int64(r.TotalBytes), int64(r.UsedBytes), int64(r.FreeBytes), r.UsePercent,
			unixNano(r.CollectedAt)); err != nil {
			return fmt.Errorf("insert filesystem %s: %w", r.MountPoint, err)
		}
	}

	dirStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO directory_usage (host_id, mount_point, path, owner, used_bytes, percent_of_mount, collected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare directory insert: %w", err)
	}
	defer dirStmt.Close()

	for _, d := range dirs {
		if _, err := dirStmt.ExecContext(ctx, d.HostID, d.MountPoint, d.Path, d.Owner,
			int64(d.UsedBytes), d.PercentOfMount, unixNano(d.CollectedAt)); err != nil {
			return fmt.Errorf("insert directory %s: %w", d.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit collection: %w", err)
	}
	return nil
}

const filesystemColumns = `host_id, device, fs_type, mount_point, total_bytes, used_bytes, free_bytes, use_percent, collected_at`

func scanFilesystem(row rowScanner) (models.FilesystemRecord, error) {
	var r models.FilesystemRecord
	var total, used, free, at int64
	if err := row.Scan(&r.HostID, &r.Device, &r.FSType, &r.MountPoint,
		&total, &used, &free, &r.UsePercent, &at); err != nil {
		return models.FilesystemRecord{}, err
	}
	r.TotalBytes, r.UsedBytes, r.FreeBytes = uint64(total), uint64(used), uint64(free)
	r.CollectedAt = fromUnixNano(at)
	return r, nil
}

func (s *Store) queryFilesystems(ctx context.Context, query string, args ...any) ([]models.FilesystemRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FilesystemRecord
	for rows.Next() {
		r, err := scanFilesystem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestFilesystems returns the most recent record of every mount of a host
func (s *Store) LatestFilesystems(ctx context.Context, hostID int64) ([]models.FilesystemRecord, error) {
	out, err := s.queryFilesystems(ctx,
		`SELECT `+filesystemColumns+`
		 FROM filesystem_usage f
		 WHERE f.host_id = ? AND f.collected_at = (
		   SELECT MAX(collected_at) FROM filesystem_usage
		   WHERE host_id = f.host_id AND mount_point = f.mount_point)
		 ORDER BY mount_point`, hostID)
	if err != nil {
		return nil, fmt.Errorf("latest filesystems: %w", err)
	}
	return out, nil
}

// LatestFilesystem returns the most recent record of one mount
func (s *Store) LatestFilesystem(ctx context.Context, hostID int64, mount string) (models.FilesystemRecord, bool, error) {
	out, err := s.queryFilesystems(ctx,
		`SELECT `+filesystemColumns+`
		 FROM filesystem_usage WHERE host_id = ? AND mount_point = ?
		 ORDER BY collected_at DESC LIMIT 1`, hostID, mount)
	if err != nil {
		return models.FilesystemRecord{}, false, fmt.Errorf("latest filesystem: %w", err)
	}
	if len(out) == 0 {
		return models.FilesystemRecord{}, false, nil
	}
	return out[0], true, nil
}

// FilesystemTrend returns a mount's records collected at or after since, oldest first
func (s *Store) FilesystemTrend(ctx context.Context, hostID int64, mount string, since time.Time) ([]models.FilesystemRecord, error) {
	out, err := s.queryFilesystems(ctx,
		`SELECT `+filesystemColumns+`
		 FROM filesystem_usage
		 WHERE host_id = ? AND mount_point = ? AND collected_at >= ?
		 ORDER BY collected_at`, hostID, mount, unixNano(since))
	if err != nil {
		return nil, fmt.Errorf("filesystem trend: %w", err)
	}
	return out, nil
}

// LatestDirectories returns the directory rows of a mount's most recent collection, largest first
func (s *Store) LatestDirectories(ctx context.Context, hostID int64, mount string) ([]models.DirectoryUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host_id, mount_point, path, owner, used_bytes, percent_of_mount, collected_at
		 FROM directory_usage
		 WHERE host_id = ? AND mount_point = ? AND collected_at = (
		   SELECT MAX(collected_at) FROM directory_usage WHERE host_id = ? AND mount_point = ?)
		 ORDER BY used_bytes DESC, path`, hostID, mount, hostID, mount)
	if err != nil {
		return nil, fmt.Errorf("latest directories: %w", err)
	}
	defer rows.Close()

	var out []models.DirectoryUsage
	for rows.Next() {
		var d models.DirectoryUsage
		var used, at int64
		if err := rows.Scan(&d.HostID, &d.MountPoint, &d.Path, &d.Owner, &used, &d.PercentOfMount, &at); err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		d.UsedBytes = uint64(used)
		d.CollectedAt = fromUnixNano(at)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest directories rows: %w", err)
	}
	return out, nil
}

// PruneBefore deletes history collected before cutoff and returns the number of rows removed
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"filesystem_usage", "directory_usage"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE collected_at < ?`, unixNano(cutoff))
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
