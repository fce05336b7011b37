package parser

import (
	"fmt"
	"strings"
)

// DirectorySize is one first-level child of a mount from du -sk
type DirectorySize struct {
	Path      string
	UsedBytes uint64
	Owner     string
}

// ParseDirectoryUsage parses "kib<TAB>path" lines into byte sizes
func ParseDirectoryUsage(text string) ([]DirectorySize, []error) {
	var dirs []DirectorySize
	var errs []error

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		size, path, ok := strings.Cut(line, "\t")
		if !ok {
			// Some du builds pad with spaces instead of a tab
			trimmed := strings.TrimLeft(line, " ")
			size, path, ok = strings.Cut(trimmed, " ")
		}
		path = strings.TrimLeft(path, " \t")
		if !ok || path == "" {
			errs = append(errs, &ParseError{Line: i + 1, Text: line, Reason: "expected size and path"})
			continue
		}

		bytes, err := ParseKilobytes(size)
		if err != nil {
			errs = append(errs, &ParseError{Line: i + 1, Text: line, Reason: err.Error()})
			continue
		}
		dirs = append(dirs, DirectorySize{Path: path, UsedBytes: bytes})
	}

	return dirs, errs
}

// ParseOwners parses "owner path" lines from stat into a path → owner map
func ParseOwners(text string) (map[string]string, []error) {
	owners := make(map[string]string)
	var errs []error

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		owner, path, ok := strings.Cut(line, " ")
		if !ok || owner == "" || path == "" {
			errs = append(errs, &ParseError{Line: i + 1, Text: line, Reason: "expected owner and path"})
			continue
		}
		owners[path] = owner
	}

	return owners, errs
}

// JoinOwners attaches owners to dirs. A directory missing from the owner
// lookup disappeared between the two commands; it is dropped with a warning.
func JoinOwners(dirs []DirectorySize, owners map[string]string) ([]DirectorySize, []string) {
	joined := make([]DirectorySize, 0, len(dirs))
	var warnings []string

	for _, d := range dirs {
		owner, ok := owners[d.Path]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("directory %s vanished before owner lookup, skipped", d.Path))
			continue
		}
		d.Owner = owner
		joined = append(joined, d)
	}

	return joined, warnings
}
