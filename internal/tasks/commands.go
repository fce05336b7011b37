package tasks

import (
	"fmt"
	"path"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/spacefleet/collector/internal/models"
)

// CommandSet composes the remote commands for one OS family. All commands
// avoid $, backticks and double quotes so they survive the escalation wrapper.
type CommandSet struct {
	family models.OSFamily
}

// CommandsFor returns the command set for family
func CommandsFor(family models.OSFamily) (CommandSet, error) {
	switch family {
	case models.OSLinux, models.OSFreeBSD, models.OSDarwin:
		return CommandSet{family: family}, nil
	case "":
		return CommandSet{family: models.OSLinux}, nil
	default:
		return CommandSet{}, fmt.Errorf("unsupported os family: %q", family)
	}
}

// Family returns the OS family the set was built for
func (c CommandSet) Family() models.OSFamily {
	return c.family
}

// Listing returns the filesystem listing command
func (c CommandSet) Listing() string {
	switch c.family {
	case models.OSFreeBSD:
		return "LC_ALL=C df -hT"
	case models.OSDarwin:
		return "LC_ALL=C df -kP"
	default:
		return "LC_ALL=C df -hPT"
	}
}

// MountCapacity returns the listing command restricted to one mount
func (c CommandSet) MountCapacity(mount string) (string, error) {
	m, err := QuotePath(mount)
	if err != nil {
		return "", err
	}
	return c.Listing() + " -- " + m, nil
}

// DirectorySizes summarises every first-level child of mount in KiB, largest first
func (c CommandSet) DirectorySizes(mount string) (string, error) {
	glob, err := childGlob(mount)
	if err != nil {
		return "", err
	}
	return "LC_ALL=C du -sk -- " + glob + " 2>/dev/null | sort -rn", nil
}

// Owners prints "owner path" for every first-level child of mount
func (c CommandSet) Owners(mount string) (string, error) {
	glob, err := childGlob(mount)
	if err != nil {
		return "", err
	}
	if c.family == models.OSLinux {
		return "stat -c '%U %n' -- " + glob + " 2>/dev/null", nil
	}
	return "stat -f '%Su %N' -- " + glob + " 2>/dev/null", nil
}

// Enumerate lists every regular file under mount without crossing filesystems,
// one "size<TAB>owner<TAB>mtime<TAB>path" line per file.
func (c CommandSet) Enumerate(mount string) (string, error) {
	m, err := QuotePath(mount)
	if err != nil {
		return "", err
	}
	if c.family == models.OSLinux {
		return "find " + m + ` -xdev -type f -printf '%s\t%u\t%T@\t%p\n' 2>/dev/null`, nil
	}
	return "find -x " + m + " -type f -exec stat -f '%z%t%Su%t%m%t%N' {} + 2>/dev/null", nil
}

// LargestFiles is Enumerate sorted by size and cut to the top n
func (c CommandSet) LargestFiles(mount string, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("largest file limit must be positive, got %d", n)
	}
	enum, err := c.Enumerate(mount)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s | sort -rn | head -n %d", enum, n), nil
}

// forbiddenPathChars would be interpreted inside the escalation wrapper's
// double quotes or break single quoting.
const forbiddenPathChars = "\"$`\\'\n\r\x00"

// QuotePath validates an absolute path segment and shell-quotes it
func QuotePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path must be absolute: %q", p)
	}
	if i := strings.IndexAny(p, forbiddenPathChars); i >= 0 {
		return "", fmt.Errorf("path %q contains forbidden character %q", p, p[i])
	}
	return shellescape.Quote(path.Clean(p)), nil
}

// childGlob returns the quoted "<mount>/*" glob. The glob itself stays unquoted.
func childGlob(mount string) (string, error) {
	m, err := QuotePath(mount)
	if err != nil {
		return "", err
	}
	if m == "/" {
		return "/*", nil
	}
	return m + "/*", nil
}
