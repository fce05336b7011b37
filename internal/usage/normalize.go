package usage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spacefleet/collector/internal/models"
	"github.com/spacefleet/collector/internal/parser"
	"github.com/spacefleet/collector/internal/utils"
)

// DefaultMinTotalBytes is the smallest filesystem kept (250 GiB). Smaller
// filesystems are system partitions and are filtered on purpose.
const DefaultMinTotalBytes uint64 = 250 * 1024 * 1024 * 1024

// DefaultMinDirectoryBytes is the smallest first-level directory recorded (1 GiB)
const DefaultMinDirectoryBytes uint64 = 1024 * 1024 * 1024

// Normalizer turns raw listing rows into FilesystemRecords
type Normalizer struct {
	MinTotalBytes     uint64
	MinDirectoryBytes uint64
}

// NewNormalizer returns a normalizer with the given thresholds; zero values
// select the defaults.
func NewNormalizer(minTotal, minDirectory uint64) *Normalizer {
	if minTotal == 0 {
		minTotal = DefaultMinTotalBytes
	}
	if minDirectory == 0 {
		minDirectory = DefaultMinDirectoryBytes
	}
	return &Normalizer{MinTotalBytes: minTotal, MinDirectoryBytes: minDirectory}
}

// Result is the outcome of normalizing one host's listing
type Result struct {
	Records []models.FilesystemRecord
	// Available lists every non-excluded mount seen, regardless of size
	Available []string
	Warnings  []string
}

// Filesystems filters rows and computes use-percent. A row is kept only if
// it is not excluded, total > 0, total >= MinTotalBytes and the host allows
// the mount.
func (n *Normalizer) Filesystems(host models.Host, rows []parser.RawFilesystem, at time.Time) Result {
	var res Result
	seen := make(map[string]bool, len(rows))

	for _, row := range rows {
		if parser.IsExcluded(row.FSType, row.MountPoint) {
			continue
		}
		if row.TotalBytes == 0 {
			continue
		}

		res.Available = append(res.Available, row.MountPoint)
		seen[row.MountPoint] = true

		if row.TotalBytes < n.MinTotalBytes {
			continue
		}
		if !host.AllowsMount(row.MountPoint) {
			continue
		}

		res.Records = append(res.Records, models.FilesystemRecord{
			HostID:      host.ID,
			Device:      row.Device,
			FSType:      row.FSType,
			MountPoint:  row.MountPoint,
			TotalBytes:  row.TotalBytes,
			UsedBytes:   row.UsedBytes,
			FreeBytes:   row.FreeBytes,
			UsePercent:  utils.Percent(row.UsedBytes, row.TotalBytes),
			CollectedAt: at,
		})
	}

	var missing []string
	for _, m := range host.ScanMounts {
		if !seen[m] {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		sort.Strings(res.Available)
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"configured mount(s) %s not found; available mounts: %s",
			strings.Join(missing, ", "), strings.Join(res.Available, ", ")))
	}

	return res
}

// Directories builds DirectoryUsage rows for one mount, dropping entries
// below MinDirectoryBytes. Percent is relative to the mount's total bytes.
func (n *Normalizer) Directories(rec models.FilesystemRecord, dirs []parser.DirectorySize) []models.DirectoryUsage {
	out := make([]models.DirectoryUsage, 0, len(dirs))
	for _, d := range dirs {
		if d.UsedBytes < n.MinDirectoryBytes {
			continue
		}
		out = append(out, models.DirectoryUsage{
			HostID:         rec.HostID,
			MountPoint:     rec.MountPoint,
			Path:           d.Path,
			Owner:          d.Owner,
			UsedBytes:      d.UsedBytes,
			PercentOfMount: utils.Percent(d.UsedBytes, rec.TotalBytes),
			CollectedAt:    rec.CollectedAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UsedBytes > out[j].UsedBytes
	})
	return out
}
