package deepscan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spacefleet/collector/internal/models"
)

// Kind is the analysis a cache entry holds
type Kind string

const (
	KindFileTypes  Kind = "file-types"
	KindLargeFiles Kind = "large-files"
)

// ParseKind accepts the canonical names and the legacy "filetypes"/"largefiles"
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file-types", "filetypes", "file_types":
		return KindFileTypes, nil
	case "large-files", "largefiles", "large_files":
		return KindLargeFiles, nil
	default:
		return "", fmt.Errorf("unknown deep scan kind: %q", s)
	}
}

// Key identifies one cache entry
type Key struct {
	HostID int64  `json:"host_id"`
	Mount  string `json:"mount_point"`
	Kind   Kind   `json:"kind"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s", k.HostID, k.Mount, k.Kind)
}

// Items is the payload of a scan. Only the field matching the key's kind is set.
type Items struct {
	FileTypes  []models.FileTypeBucket `json:"file_types,omitempty"`
	LargeFiles []models.LargeFileEntry `json:"large_files,omitempty"`
}

// Scanner runs the remote analysis for a key
type Scanner interface {
	Scan(ctx context.Context, key Key) (Items, error)
}

// ScannerFunc adapts a function to Scanner
type ScannerFunc func(ctx context.Context, key Key) (Items, error)

func (f ScannerFunc) Scan(ctx context.Context, key Key) (Items, error) { return f(ctx, key) }

// Result is what a caller sees for a key
type Result struct {
	Key         Key       `json:"key"`
	Items       Items     `json:"items"`
	CollectedAt time.Time `json:"collected_at"`
	IsStale     bool      `json:"is_stale"`
	Refreshing  bool      `json:"refreshing"`
	// Error is the last refresh failure, kept until a refresh succeeds
	Error error `json:"-"`
}

// RefreshError is a failed refresh attached to an entry. Previously good
// data stays in the entry.
type RefreshError struct {
	Key Key
	At  time.Time
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("deep scan refresh %s failed: %v", e.Key, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
