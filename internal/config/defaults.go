package config

import (
	"runtime"
)

// PlatformDefaults returns platform-specific default values
type PlatformDefaults struct {
	LogFile       string
	ConfigPath    string
	DatabasePath  string
	InventoryFile string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "linux":
		return PlatformDefaults{
			LogFile:       "/var/log/spacefleet/collector.log",
			ConfigPath:    "/etc/spacefleet/config.yaml",
			DatabasePath:  "/var/lib/spacefleet/spacefleet.db",
			InventoryFile: "/etc/spacefleet/inventory.yaml",
		}
	case "freebsd":
		return PlatformDefaults{
			LogFile:       "/var/log/spacefleet/collector.log",
			ConfigPath:    "/usr/local/etc/spacefleet/config.yaml",
			DatabasePath:  "/var/db/spacefleet/spacefleet.db",
			InventoryFile: "/usr/local/etc/spacefleet/inventory.yaml",
		}
	case "darwin":
		return PlatformDefaults{
			LogFile:       "/usr/local/var/log/spacefleet/collector.log",
			ConfigPath:    "/usr/local/etc/spacefleet/config.yaml",
			DatabasePath:  "/usr/local/var/spacefleet/spacefleet.db",
			InventoryFile: "/usr/local/etc/spacefleet/inventory.yaml",
		}
	default:
		// Fallback to Linux-like defaults for unknown platforms
		return PlatformDefaults{
			LogFile:       "/var/log/spacefleet/collector.log",
			ConfigPath:    "/etc/spacefleet/config.yaml",
			DatabasePath:  "/var/lib/spacefleet/spacefleet.db",
			InventoryFile: "",
		}
	}
}

// GetDefaultConfigPath returns the platform-specific default config path
func GetDefaultConfigPath() string {
	return GetPlatformDefaults().ConfigPath
}

// UpdateConfigDefaults updates viper defaults with platform-specific values
// This is called from setDefaults() in config.go
func UpdateConfigDefaults(v interface{}) {
	type viper interface {
		SetDefault(key string, value interface{})
	}

	if viperInstance, ok := v.(viper); ok {
		defaults := GetPlatformDefaults()

		viperInstance.SetDefault("database.path", defaults.DatabasePath)
		viperInstance.SetDefault("database.inventory_file", defaults.InventoryFile)
		viperInstance.SetDefault("logging.file", defaults.LogFile)
	}
}
