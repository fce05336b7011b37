package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the complete collector configuration
type Config struct {
	InstanceID    string           `mapstructure:"instance_id"`
	SubjectPrefix string           `mapstructure:"subject_prefix"`
	Database      DatabaseConfig   `mapstructure:"database"`
	SSH           SSHConfig        `mapstructure:"ssh"`
	Commands      CommandsConfig   `mapstructure:"commands"`
	Collection    CollectionConfig `mapstructure:"collection"`
	DeepScan      DeepScanConfig   `mapstructure:"deep_scan"`
	Alerts        AlertsConfig     `mapstructure:"alerts"`
	NATS          NATSConfig       `mapstructure:"nats"`
	HTTP          HTTPConfig       `mapstructure:"http"`
	Logging       LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig points at the sqlite history/inventory database
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	InventoryFile string `mapstructure:"inventory_file"` // optional YAML seed of hosts and thresholds
}

// SSHConfig controls session setup
type SSHConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	KnownHostsFile  string        `mapstructure:"known_hosts_file"` // empty accepts any host key
	DefaultUsername string        `mapstructure:"default_username"`
}

// CommandsConfig holds per-command-class timeouts
type CommandsConfig struct {
	ListingTimeout  time.Duration `mapstructure:"listing_timeout"`
	DeepScanTimeout time.Duration `mapstructure:"deep_scan_timeout"`
}

// CollectionConfig controls fleet collection
type CollectionConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Schedule          string `mapstructure:"schedule"` // cron expression
	MinTotalBytes     uint64 `mapstructure:"min_total_bytes"`
	MinDirectoryBytes uint64 `mapstructure:"min_directory_bytes"`
	Concurrency       int    `mapstructure:"concurrency"`

	// Retention of zero keeps history forever
	Retention time.Duration `mapstructure:"retention"`
}

// DeepScanConfig controls the deep-scan cache
type DeepScanConfig struct {
	// Freshness of zero means "same calendar day"
	Freshness      time.Duration `mapstructure:"freshness"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	LargeFileLimit int           `mapstructure:"large_file_limit"`
}

// AlertsConfig controls threshold evaluation
type AlertsConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	DefaultThresholdPercent float64       `mapstructure:"default_threshold_percent"`
	Cooldown                time.Duration `mapstructure:"cooldown"`
}

// NATSConfig contains NATS connection settings
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URLs          []string      `mapstructure:"urls"`
	Auth          AuthConfig    `mapstructure:"auth"`
	TLS           TLSConfig     `mapstructure:"tls"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// AuthConfig contains NATS authentication settings
type AuthConfig struct {
	Type      string `mapstructure:"type"` // creds, token, userpass, none
	CredsFile string `mapstructure:"creds_file"`
	Token     string `mapstructure:"token"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// TLSConfig contains NATS TLS settings
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// HTTPConfig controls the health/metrics listener
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads, decodes and validates the configuration file
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch reloads the file on change and hands every valid revision to onChange.
// Invalid revisions are logged and ignored.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid config change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("Config reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("SPACEFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// byteSizeHook lets byte sizes be written as "250GiB" as well as plain integers
func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Uint64 {
			return data, nil
		}
		return humanize.ParseBytes(data.(string))
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", "spacefleet")
	v.SetDefault("subject_prefix", "spacefleet")

	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.default_username", "root")

	v.SetDefault("commands.listing_timeout", 60*time.Second)
	v.SetDefault("commands.deep_scan_timeout", 30*time.Minute)

	v.SetDefault("collection.enabled", true)
	v.SetDefault("collection.schedule", "0 2 * * *")
	v.SetDefault("collection.min_total_bytes", uint64(250)*1024*1024*1024)
	v.SetDefault("collection.min_directory_bytes", uint64(1024*1024*1024))
	v.SetDefault("collection.concurrency", 8)
	v.SetDefault("collection.retention", time.Duration(0))

	v.SetDefault("deep_scan.freshness", time.Duration(0))
	v.SetDefault("deep_scan.workers", 2)
	v.SetDefault("deep_scan.queue_size", 64)
	v.SetDefault("deep_scan.large_file_limit", 50)

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.default_threshold_percent", 80.0)
	v.SetDefault("alerts.cooldown", time.Hour)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.auth.type", "none")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.drain_timeout", 30*time.Second)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", "127.0.0.1:9464")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)

	UpdateConfigDefaults(v)
}

var (
	instanceIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	subjectTokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must contain only alphanumeric characters, dashes, and underscores")
	}

	if err := validateSubjectPrefix(cfg.SubjectPrefix); err != nil {
		return fmt.Errorf("subject_prefix: %w", err)
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if cfg.SSH.ConnectTimeout < time.Second {
		return fmt.Errorf("ssh.connect_timeout must be at least 1 second")
	}
	if cfg.SSH.ConnectTimeout > 2*time.Minute {
		return fmt.Errorf("ssh.connect_timeout must not exceed 2 minutes")
	}

	if cfg.Commands.ListingTimeout < 5*time.Second {
		return fmt.Errorf("commands.listing_timeout must be at least 5 seconds")
	}
	if cfg.Commands.DeepScanTimeout < cfg.Commands.ListingTimeout {
		return fmt.Errorf("commands.deep_scan_timeout must be at least commands.listing_timeout")
	}

	if cfg.Collection.Enabled && strings.TrimSpace(cfg.Collection.Schedule) == "" {
		return fmt.Errorf("collection.schedule is required when collection is enabled")
	}
	if cfg.Collection.Concurrency < 1 {
		return fmt.Errorf("collection.concurrency must be at least 1")
	}
	if cfg.Collection.MinTotalBytes == 0 {
		return fmt.Errorf("collection.min_total_bytes must be greater than 0")
	}
	if cfg.Collection.Retention < 0 {
		return fmt.Errorf("collection.retention must not be negative")
	}

	if cfg.DeepScan.Freshness < 0 {
		return fmt.Errorf("deep_scan.freshness must not be negative")
	}
	if cfg.DeepScan.Workers < 1 {
		return fmt.Errorf("deep_scan.workers must be at least 1")
	}
	if cfg.DeepScan.QueueSize < 1 {
		return fmt.Errorf("deep_scan.queue_size must be at least 1")
	}
	if cfg.DeepScan.LargeFileLimit < 1 || cfg.DeepScan.LargeFileLimit > 1000 {
		return fmt.Errorf("deep_scan.large_file_limit must be between 1 and 1000")
	}

	if cfg.Alerts.DefaultThresholdPercent <= 0 || cfg.Alerts.DefaultThresholdPercent > 100 {
		return fmt.Errorf("alerts.default_threshold_percent must be in (0, 100]")
	}
	if cfg.Alerts.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must not be negative")
	}

	if cfg.NATS.Enabled {
		if err := validateNATS(&cfg.NATS); err != nil {
			return err
		}
	}

	if cfg.HTTP.Enabled && cfg.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required when http is enabled")
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("logging.max_size_mb must be greater than 0")
	}

	return nil
}

func validateNATS(cfg *NATSConfig) error {
	if len(cfg.URLs) == 0 {
		return fmt.Errorf("nats.urls must contain at least one URL")
	}

	switch cfg.Auth.Type {
	case "none":
	case "creds":
		if cfg.Auth.CredsFile == "" {
			return fmt.Errorf("nats.auth.creds_file is required for creds auth")
		}
	case "token":
		if cfg.Auth.Token == "" {
			return fmt.Errorf("nats.auth.token is required for token auth")
		}
	case "userpass":
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			return fmt.Errorf("nats.auth username and password are required for userpass auth")
		}
	default:
		return fmt.Errorf("invalid auth type: %s", cfg.Auth.Type)
	}

	if !cfg.TLS.Enabled {
		return nil
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile == "" {
		return fmt.Errorf("nats.tls.key_file is required when cert_file is set")
	}
	if cfg.TLS.KeyFile != "" && cfg.TLS.CertFile == "" {
		return fmt.Errorf("nats.tls.cert_file is required when key_file is set")
	}
	if cfg.TLS.CertFile != "" {
		if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
			return fmt.Errorf("nats.tls certificate file not found: %s", cfg.TLS.CertFile)
		}
	}
	if cfg.TLS.KeyFile != "" {
		if _, err := os.Stat(cfg.TLS.KeyFile); err != nil {
			return fmt.Errorf("nats.tls key file not found: %s", cfg.TLS.KeyFile)
		}
	}
	if cfg.TLS.CAFile != "" {
		if _, err := os.Stat(cfg.TLS.CAFile); err != nil {
			return fmt.Errorf("nats.tls CA file not found: %s", cfg.TLS.CAFile)
		}
	}
	return nil
}

// validateSubjectPrefix checks a dot-separated NATS subject prefix
func validateSubjectPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("subject prefix is required")
	}
	if strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("subject prefix cannot start or end with a dot")
	}
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("subject prefix consecutive dots not allowed")
	}
	for _, token := range strings.Split(prefix, ".") {
		if !subjectTokenPattern.MatchString(token) {
			return fmt.Errorf("subject prefix token %q contains invalid characters", token)
		}
	}
	return nil
}
