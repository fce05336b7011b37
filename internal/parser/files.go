package parser

import (
	"math"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spacefleet/collector/internal/models"
	"github.com/spacefleet/collector/internal/utils"
)

// FileRecord is one file from the enumeration pipeline
type FileRecord struct {
	Path       string
	SizeBytes  uint64
	Owner      string
	ModifiedAt time.Time
}

// Filename returns the last path element
func (r FileRecord) Filename() string {
	return path.Base(r.Path)
}

// ParseFileRecord parses one "size<TAB>owner<TAB>mtime<TAB>path" line.
// mtime is epoch seconds, optionally fractional (GNU find %T@).
func ParseFileRecord(line string) (FileRecord, error) {
	line = strings.TrimRight(line, "\r")
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) != 4 || parts[3] == "" {
		return FileRecord{}, &ParseError{Text: line, Reason: "expected size, owner, mtime and path"}
	}

	size, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return FileRecord{}, &ParseError{Text: line, Reason: "invalid size: " + err.Error()}
	}

	mtime, err := parseEpoch(parts[2])
	if err != nil {
		return FileRecord{}, &ParseError{Text: line, Reason: "invalid mtime: " + err.Error()}
	}

	return FileRecord{
		Path:       parts[3],
		SizeBytes:  size,
		Owner:      parts[1],
		ModifiedAt: mtime,
	}, nil
}

func parseEpoch(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return time.Time{}, err
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// Extension returns the lower-cased suffix of a file name without the dot,
// or models.NoExtension. Leading dots (hidden files) are not a suffix.
func Extension(name string) string {
	base := strings.TrimLeft(path.Base(name), ".")
	ext := path.Ext(base)
	if len(ext) <= 1 {
		return models.NoExtension
	}
	return strings.ToLower(ext[1:])
}

// Histogram accumulates bytes and counts per extension. It holds one entry
// per extension, not per file, so it can consume a streamed enumeration.
type Histogram struct {
	buckets map[string]*models.FileTypeBucket
}

// NewHistogram creates an empty histogram
func NewHistogram() *Histogram {
	return &Histogram{buckets: make(map[string]*models.FileTypeBucket)}
}

// Add counts one file
func (h *Histogram) Add(r FileRecord) {
	ext := Extension(r.Path)
	b, ok := h.buckets[ext]
	if !ok {
		b = &models.FileTypeBucket{Extension: ext}
		h.buckets[ext] = b
	}
	b.TotalBytes += r.SizeBytes
	b.FileCount++
}

// Len returns the number of distinct extensions
func (h *Histogram) Len() int {
	return len(h.buckets)
}

// Buckets returns the histogram largest first. PercentOfMount is relative
// to mountTotal; when it is unknown (0) the scanned total is used.
func (h *Histogram) Buckets(hostID int64, mount string, mountTotal uint64) []models.FileTypeBucket {
	denom := mountTotal
	if denom == 0 {
		for _, b := range h.buckets {
			denom += b.TotalBytes
		}
	}

	out := make([]models.FileTypeBucket, 0, len(h.buckets))
	for _, b := range h.buckets {
		bucket := *b
		bucket.HostID = hostID
		bucket.MountPoint = mount
		bucket.PercentOfMount = utils.Percent(b.TotalBytes, denom)
		out = append(out, bucket)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalBytes != out[j].TotalBytes {
			return out[i].TotalBytes > out[j].TotalBytes
		}
		return out[i].Extension < out[j].Extension
	})
	return out
}

// LargestFiles ranks records by size, largest first, and keeps at most limit
func LargestFiles(records []FileRecord, hostID int64, mount string, limit int) []models.LargeFileEntry {
	sorted := make([]FileRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SizeBytes > sorted[j].SizeBytes
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	entries := make([]models.LargeFileEntry, len(sorted))
	for i, r := range sorted {
		entries[i] = models.LargeFileEntry{
			HostID:     hostID,
			MountPoint: mount,
			Rank:       i + 1,
			Path:       r.Path,
			Filename:   r.Filename(),
			Extension:  Extension(r.Path),
			SizeBytes:  r.SizeBytes,
			Owner:      r.Owner,
			ModifiedAt: r.ModifiedAt,
		}
	}
	return entries
}
