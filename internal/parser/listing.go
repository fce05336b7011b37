package parser

import (
	"errors"
	"strings"

	"github.com/spacefleet/collector/internal/models"
)

// Layout is the column layout of a filesystem listing. The set is closed
// and chosen from Host.OSFamily, never sniffed from the output.
type Layout int

const (
	// LayoutHumanTyped: device, type, size, used, avail, capacity, mount.
	// Sizes carry binary suffixes (df -hPT on linux, df -hT on freebsd).
	LayoutHumanTyped Layout = iota
	// LayoutKilobytes: device, 1024-blocks, used, avail, capacity, mount (df -kP on darwin)
	LayoutKilobytes
)

// LayoutFor returns the listing layout for an OS family
func LayoutFor(family models.OSFamily) Layout {
	if family == models.OSDarwin {
		return LayoutKilobytes
	}
	return LayoutHumanTyped
}

func (l Layout) typed() bool { return l == LayoutHumanTyped }

func (l Layout) parseSize(s string) (uint64, error) {
	if l == LayoutKilobytes {
		return ParseKilobytes(s)
	}
	return ParseSize(s)
}

// ExcludedFSTypes are virtual or pseudo filesystems that never hold user data
var ExcludedFSTypes = map[string]bool{
	"tmpfs":         true,
	"devtmpfs":      true,
	"efivarfs":      true,
	"squashfs":      true,
	"devfs":         true,
	"autofs":        true,
	"nullfs":        true,
	"fdescfs":       true,
	"sysfs":         true,
	"proc":          true,
	"procfs":        true,
	"linprocfs":     true,
	"linsysfs":      true,
	"cgroup":        true,
	"cgroup2":       true,
	"overlay":       true,
	"fuse.snapfuse": true,
	"nsfs":          true,
	"pstore":        true,
	"debugfs":       true,
	"tracefs":       true,
	"securityfs":    true,
	"configfs":      true,
	"fusectl":       true,
	"mqueue":        true,
	"hugetlbfs":     true,
	"binfmt_misc":   true,
	"bpf":           true,
	"ramfs":         true,
}

// ExcludedMountPrefixes are boot, EFI and OS pseudo mounts. A prefix
// matches the mount itself and everything below it.
var ExcludedMountPrefixes = []string{
	"/boot",
	"/snap",
	"/proc",
	"/sys",
	"/dev",
	"/run",
	"/System/Volumes",
	"/private/var/vm",
}

// IsExcluded reports whether a filesystem is dropped by type or mount prefix
func IsExcluded(fsType, mount string) bool {
	if ExcludedFSTypes[strings.ToLower(fsType)] {
		return true
	}
	for _, p := range ExcludedMountPrefixes {
		if mount == p || strings.HasPrefix(mount, p+"/") {
			return true
		}
	}
	return false
}

var errMissingColumns = errors.New("missing capacity or mount column")

// RawFilesystem is one listing row before normalization
type RawFilesystem struct {
	Device     string
	FSType     string
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
	MountPoint string
}

// ParseFilesystemListing parses df output. The header is skipped, excluded
// rows are dropped, and malformed rows are returned as ParseErrors alongside
// the rows that did parse. A typed layout tolerates a missing type column.
func ParseFilesystemListing(text string, layout Layout) ([]RawFilesystem, []error) {
	var rows []RawFilesystem
	var errs []error

	for i, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.EqualFold(fields[0], "Filesystem") {
			continue
		}

		row, err := parseListingRow(fields, layout)
		if err != nil {
			errs = append(errs, &ParseError{Line: i + 1, Text: line, Reason: err.Error()})
			continue
		}
		if IsExcluded(row.FSType, row.MountPoint) {
			continue
		}
		rows = append(rows, row)
	}

	return rows, errs
}

func parseListingRow(fields []string, layout Layout) (RawFilesystem, error) {
	// The capacity column ("84%") anchors the row: three size columns
	// precede it and the mount point (which may contain spaces) follows.
	capIdx := -1
	for i := 3; i < len(fields); i++ {
		if strings.HasSuffix(fields[i], "%") {
			capIdx = i
			break
		}
	}
	if capIdx < 0 || capIdx+1 >= len(fields) {
		return RawFilesystem{}, errMissingColumns
	}

	var row RawFilesystem
	head := fields[:capIdx-3]
	if layout.typed() && len(head) >= 2 {
		row.FSType = head[len(head)-1]
		head = head[:len(head)-1]
	}
	row.Device = strings.Join(head, " ")
	row.MountPoint = strings.Join(fields[capIdx+1:], " ")

	var err error
	if row.TotalBytes, err = layout.parseSize(fields[capIdx-3]); err != nil {
		return RawFilesystem{}, err
	}
	if row.UsedBytes, err = layout.parseSize(fields[capIdx-2]); err != nil {
		return RawFilesystem{}, err
	}
	if row.FreeBytes, err = layout.parseSize(fields[capIdx-1]); err != nil {
		return RawFilesystem{}, err
	}
	return row, nil
}
