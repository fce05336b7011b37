package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize converts a df -h style size ("1.8T", "931G", "4.0K", "0B", "512")
// to bytes. Suffixes are binary multipliers. A comma decimal separator is
// accepted so output from a non-C locale still parses.
func ParseSize(s string) (uint64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	v = strings.ReplaceAll(v, ",", ".")

	// BSD df prints plain bytes as "512B"
	if strings.HasSuffix(v, "B") && !strings.HasSuffix(v, "IB") {
		v = strings.TrimSuffix(v, "B")
	}
	if v == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	if strings.ContainsRune("KMGTPE", rune(v[len(v)-1])) {
		v += "IB"
	}

	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// ParseKilobytes converts a count of 1024-byte blocks to bytes
func ParseKilobytes(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block count %q: %w", s, err)
	}
	return n * 1024, nil
}

// FormatBytes renders a byte count for log and alert messages
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}
