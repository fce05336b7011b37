package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacefleet/collector/internal/config"
)

func writeConfig(t *testing.T, dir string, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := `
instance_id: test-collector
database:
  path: ` + filepath.Join(dir, "spacefleet.db") + `
  inventory_file: ` + filepath.Join(dir, "inventory.yaml") + `
nats:
  enabled: false
http:
  enabled: false
logging:
  level: info
  file: ` + filepath.Join(dir, "collector.log") + `
` + extra
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewOfflineCollector(t *testing.T) {
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, ""), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if a.nats != nil || a.handlers != nil || a.http != nil {
		t.Error("disabled components were built")
	}
	if a.scheduler == nil {
		t.Error("collection scheduler not built")
	}

	results, err := a.CollectOnce(context.Background(), nil)
	if err != nil {
		t.Fatalf("CollectOnce() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none for an empty inventory", results)
	}

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestNewSeedsInventory(t *testing.T) {
	dir := t.TempDir()
	inventory := `hosts:
  - name: storage-01
    address: 10.0.0.5
thresholds:
  - name: nearly full
    metric: use_percent
    operator: ">="
    value: 95
`
	if err := os.WriteFile(filepath.Join(dir, "inventory.yaml"), []byte(inventory), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := New(writeConfig(t, dir, "collection:\n  enabled: false\n"), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown()

	if a.scheduler != nil {
		t.Error("scheduler built with collection disabled")
	}
	hosts, err := a.store.ListHosts(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 || hosts[0].Name != "storage-01" {
		t.Errorf("hosts = %+v", hosts)
	}
}

func TestApplyConfigChangesLevel(t *testing.T) {
	a := &Agent{logger: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}

	a.applyConfig(&config.Config{Logging: config.LoggingConfig{Level: "debug"}})
	if a.level.Level() != zapcore.DebugLevel {
		t.Errorf("level = %v, want debug", a.level.Level())
	}

	a.applyConfig(&config.Config{Logging: config.LoggingConfig{Level: "loud"}})
	if a.level.Level() != zapcore.DebugLevel {
		t.Errorf("invalid level changed level to %v", a.level.Level())
	}
}

func TestInitLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.log")
	logger, level, err := initLogger(config.LoggingConfig{Level: "warn", File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatal(err)
	}
	if level.Level() != zapcore.WarnLevel {
		t.Errorf("level = %v", level.Level())
	}

	logger.Warn("disk nearly full")
	logger.Sync()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not written: %v", err)
	}

	if _, _, err := initLogger(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("invalid level accepted")
	}
}
