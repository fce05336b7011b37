package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		InstanceID:    "collector-01",
		SubjectPrefix: "spacefleet",
		Database:      DatabaseConfig{Path: "/tmp/spacefleet.db"},
		SSH:           SSHConfig{ConnectTimeout: 10 * time.Second, DefaultUsername: "root"},
		Commands: CommandsConfig{
			ListingTimeout:  time.Minute,
			DeepScanTimeout: 30 * time.Minute,
		},
		Collection: CollectionConfig{
			Enabled:           true,
			Schedule:          "0 2 * * *",
			MinTotalBytes:     250 << 30,
			MinDirectoryBytes: 1 << 30,
			Concurrency:       4,
		},
		DeepScan: DeepScanConfig{Workers: 2, QueueSize: 16, LargeFileLimit: 50},
		Alerts:   AlertsConfig{Enabled: true, DefaultThresholdPercent: 80, Cooldown: time.Hour},
		NATS: NATSConfig{
			Enabled: true,
			URLs:    []string{"nats://localhost:4222"},
			Auth:    AuthConfig{Type: "none"},
		},
		HTTP:    HTTPConfig{Enabled: true, Listen: "127.0.0.1:9464"},
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errText string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing instance_id",
			mutate:  func(c *Config) { c.InstanceID = "" },
			wantErr: true,
			errText: "instance_id is required",
		},
		{
			name:    "instance_id with dots",
			mutate:  func(c *Config) { c.InstanceID = "collector.01" },
			wantErr: true,
			errText: "must contain only alphanumeric",
		},
		{
			name:    "bad subject prefix",
			mutate:  func(c *Config) { c.SubjectPrefix = "fleet..prod" },
			wantErr: true,
			errText: "consecutive dots not allowed",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
			errText: "database.path is required",
		},
		{
			name:    "connect timeout too short",
			mutate:  func(c *Config) { c.SSH.ConnectTimeout = 100 * time.Millisecond },
			wantErr: true,
			errText: "at least 1 second",
		},
		{
			name:    "connect timeout too long",
			mutate:  func(c *Config) { c.SSH.ConnectTimeout = 5 * time.Minute },
			wantErr: true,
			errText: "must not exceed 2 minutes",
		},
		{
			name:    "listing timeout too short",
			mutate:  func(c *Config) { c.Commands.ListingTimeout = time.Second },
			wantErr: true,
			errText: "at least 5 seconds",
		},
		{
			name:    "deep scan timeout shorter than listing",
			mutate:  func(c *Config) { c.Commands.DeepScanTimeout = 10 * time.Second },
			wantErr: true,
			errText: "deep_scan_timeout",
		},
		{
			name:    "empty schedule with collection enabled",
			mutate:  func(c *Config) { c.Collection.Schedule = " " },
			wantErr: true,
			errText: "collection.schedule is required",
		},
		{
			name: "empty schedule with collection disabled",
			mutate: func(c *Config) {
				c.Collection.Enabled = false
				c.Collection.Schedule = ""
			},
			wantErr: false,
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Collection.Concurrency = 0 },
			wantErr: true,
			errText: "collection.concurrency",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Collection.Retention = -24 * time.Hour },
			wantErr: true,
			errText: "collection.retention",
		},
		{
			name:    "negative freshness",
			mutate:  func(c *Config) { c.DeepScan.Freshness = -time.Hour },
			wantErr: true,
			errText: "must not be negative",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.DeepScan.Workers = 0 },
			wantErr: true,
			errText: "deep_scan.workers",
		},
		{
			name:    "large file limit out of range",
			mutate:  func(c *Config) { c.DeepScan.LargeFileLimit = 5000 },
			wantErr: true,
			errText: "large_file_limit",
		},
		{
			name:    "threshold above 100",
			mutate:  func(c *Config) { c.Alerts.DefaultThresholdPercent = 120 },
			wantErr: true,
			errText: "default_threshold_percent",
		},
		{
			name:    "invalid auth type",
			mutate:  func(c *Config) { c.NATS.Auth.Type = "kerberos" },
			wantErr: true,
			errText: "invalid auth type",
		},
		{
			name:    "token auth without token",
			mutate:  func(c *Config) { c.NATS.Auth.Type = "token" },
			wantErr: true,
			errText: "token is required",
		},
		{
			name: "userpass auth without password",
			mutate: func(c *Config) {
				c.NATS.Auth.Type = "userpass"
				c.NATS.Auth.Username = "collector"
			},
			wantErr: true,
			errText: "username and password are required",
		},
		{
			name: "nats disabled skips nats validation",
			mutate: func(c *Config) {
				c.NATS.Enabled = false
				c.NATS.URLs = nil
				c.NATS.Auth.Type = "bogus"
			},
			wantErr: false,
		},
		{
			name: "tls cert without key",
			mutate: func(c *Config) {
				c.NATS.TLS = TLSConfig{Enabled: true, CertFile: "/tmp/cert.pem"}
			},
			wantErr: true,
			errText: "key_file is required",
		},
		{
			name: "tls missing CA file",
			mutate: func(c *Config) {
				c.NATS.TLS = TLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}
			},
			wantErr: true,
			errText: "CA file not found",
		},
		{
			name:    "http enabled without listen",
			mutate:  func(c *Config) { c.HTTP.Listen = "" },
			wantErr: true,
			errText: "http.listen is required",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
			errText: "invalid logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("validate() error = %q, want it to contain %q", err.Error(), tt.errText)
			}
		})
	}
}

func TestValidateSubjectPrefix(t *testing.T) {
	tests := []struct {
		prefix  string
		wantErr bool
		errText string
	}{
		{"spacefleet", false, ""},
		{"acme.storage", false, ""},
		{"acme.storage-team_1", false, ""},
		{"", true, "required"},
		{".acme", true, "cannot start or end with a dot"},
		{"acme.", true, "cannot start or end with a dot"},
		{"acme..storage", true, "consecutive dots not allowed"},
		{"acme.*", true, "contains invalid characters"},
		{"acme.>", true, "contains invalid characters"},
		{"acme storage", true, "contains invalid characters"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			err := validateSubjectPrefix(tt.prefix)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateSubjectPrefix(%q) error = %v, wantErr %v", tt.prefix, err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("validateSubjectPrefix(%q) error = %q, want it to contain %q", tt.prefix, err.Error(), tt.errText)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
instance_id: lab-collector
subject_prefix: acme.storage
database:
  path: ` + filepath.Join(dir, "fleet.db") + `
ssh:
  connect_timeout: 15s
collection:
  min_total_bytes: 500GiB
  concurrency: 3
deep_scan:
  freshness: 6h
nats:
  enabled: false
http:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.InstanceID != "lab-collector" {
		t.Errorf("InstanceID = %q, want lab-collector", cfg.InstanceID)
	}
	if cfg.SSH.ConnectTimeout != 15*time.Second {
		t.Errorf("ConnectTimeout = %v, want 15s", cfg.SSH.ConnectTimeout)
	}
	if cfg.Collection.MinTotalBytes != 500<<30 {
		t.Errorf("MinTotalBytes = %d, want %d", cfg.Collection.MinTotalBytes, uint64(500<<30))
	}
	if cfg.Collection.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Collection.Concurrency)
	}
	if cfg.DeepScan.Freshness != 6*time.Hour {
		t.Errorf("Freshness = %v, want 6h", cfg.DeepScan.Freshness)
	}

	// defaults
	if cfg.Collection.Schedule != "0 2 * * *" {
		t.Errorf("Schedule = %q, want default", cfg.Collection.Schedule)
	}
	if cfg.Collection.MinDirectoryBytes != 1<<30 {
		t.Errorf("MinDirectoryBytes = %d, want 1GiB", cfg.Collection.MinDirectoryBytes)
	}
	if cfg.DeepScan.LargeFileLimit != 50 {
		t.Errorf("LargeFileLimit = %d, want 50", cfg.DeepScan.LargeFileLimit)
	}
	if cfg.Alerts.DefaultThresholdPercent != 80 {
		t.Errorf("DefaultThresholdPercent = %v, want 80", cfg.Alerts.DefaultThresholdPercent)
	}
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "instance_id: \"bad id\"\nnats:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid instance_id")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}
