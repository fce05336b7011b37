package models

import (
	"fmt"
	"strings"
)

// OSFamily selects the command set and output layout used for a host.
// The set is closed: every value maps to exactly one listing layout.
type OSFamily string

const (
	OSLinux   OSFamily = "linux"
	OSFreeBSD OSFamily = "freebsd"
	OSDarwin  OSFamily = "darwin"
)

// ParseOSFamily maps a configured OS name onto a family.
// Distribution names from older inventories (ubuntu, centos, ...) are linux.
func ParseOSFamily(s string) (OSFamily, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linux", "ubuntu", "centos", "debian", "rhel", "rocky", "alma":
		return OSLinux, nil
	case "freebsd":
		return OSFreeBSD, nil
	case "darwin", "macos", "osx":
		return OSDarwin, nil
	default:
		return "", fmt.Errorf("unknown os family: %q", s)
	}
}

// Encoding names accepted for Host.Encoding
const (
	EncodingUTF8    = "utf-8"
	EncodingGBK     = "gbk"
	EncodingGB18030 = "gb18030"
	EncodingAuto    = "auto"
)

// Credentials describes how to authenticate to a host.
// Password and PasswordEnv count as an explicit password; KeyFile is the fallback.
type Credentials struct {
	Password         string `json:"-" yaml:"password"`
	PasswordEnv      string `json:"password_env,omitempty" yaml:"password_env"`
	KeyFile          string `json:"key_file,omitempty" yaml:"key_file"`
	KeyPassphraseEnv string `json:"key_passphrase_env,omitempty" yaml:"key_passphrase_env"`
}

// Host is a managed remote machine. Owned by the configuration store.
type Host struct {
	ID          int64       `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Address     string      `json:"address" yaml:"address"`
	Port        int         `json:"port" yaml:"port"`
	Username    string      `json:"username" yaml:"username"`
	Credentials Credentials `json:"credentials" yaml:"credentials"`
	OSFamily    OSFamily    `json:"os_family" yaml:"os_family"`
	Privileged  bool        `json:"privileged" yaml:"privileged"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	ScanMounts  []string    `json:"scan_mounts,omitempty" yaml:"scan_mounts"`
	Encoding    string      `json:"encoding,omitempty" yaml:"encoding"`
	Description string      `json:"description,omitempty" yaml:"description"`
}

// SSHPort returns the configured port or 22.
func (h Host) SSHPort() int {
	if h.Port <= 0 {
		return 22
	}
	return h.Port
}

// AllowsMount reports whether mount may be scanned on this host.
// An empty ScanMounts list allows every mount.
func (h Host) AllowsMount(mount string) bool {
	if len(h.ScanMounts) == 0 {
		return true
	}
	for _, m := range h.ScanMounts {
		if m == mount {
			return true
		}
	}
	return false
}
