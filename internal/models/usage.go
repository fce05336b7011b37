package models

import "time"

// FilesystemRecord is one normalized filesystem row for a host at a point in time.
// Records with TotalBytes == 0 are never produced.
type FilesystemRecord struct {
	HostID      int64     `json:"host_id"`
	Device      string    `json:"device"`
	FSType      string    `json:"fs_type"`
	MountPoint  string    `json:"mount_point"`
	TotalBytes  uint64    `json:"total_bytes"`
	UsedBytes   uint64    `json:"used_bytes"`
	FreeBytes   uint64    `json:"free_bytes"`
	UsePercent  float64   `json:"use_percent"`
	CollectedAt time.Time `json:"collected_at"`
}

// DirectoryUsage is the size of one first-level directory under a mount.
// History is append-only.
type DirectoryUsage struct {
	HostID         int64     `json:"host_id"`
	MountPoint     string    `json:"mount_point"`
	Path           string    `json:"path"`
	Owner          string    `json:"owner,omitempty"`
	UsedBytes      uint64    `json:"used_bytes"`
	PercentOfMount float64   `json:"percent_of_mount"`
	CollectedAt    time.Time `json:"collected_at"`
}

// NoExtension is the bucket for files without a usable suffix.
const NoExtension = "(none)"

// FileTypeBucket aggregates files of one extension under a mount.
type FileTypeBucket struct {
	HostID         int64   `json:"host_id"`
	MountPoint     string  `json:"mount_point"`
	Extension      string  `json:"extension"`
	TotalBytes     uint64  `json:"total_bytes"`
	FileCount      int64   `json:"file_count"`
	PercentOfMount float64 `json:"percent_of_mount"`
}

// LargeFileEntry is one row of the largest-file listing, ranked from 1.
type LargeFileEntry struct {
	HostID     int64     `json:"host_id"`
	MountPoint string    `json:"mount_point"`
	Rank       int       `json:"rank"`
	Path       string    `json:"path"`
	Filename   string    `json:"filename"`
	Extension  string    `json:"extension"`
	SizeBytes  uint64    `json:"size_bytes"`
	Owner      string    `json:"owner"`
	ModifiedAt time.Time `json:"modified_at"`
}
