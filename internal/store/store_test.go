package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spacefleet/collector/internal/models"
)

const gib = uint64(1) << 30

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spacefleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "spacefleet.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		s.Close()
	}
}

func TestHostCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.CreateHost(ctx, models.Host{
		Name:        "storage-01",
		Address:     "10.0.0.5",
		Username:    "ops",
		Credentials: models.Credentials{KeyFile: "/etc/spacefleet/id_ed25519"},
		OSFamily:    "centos",
		Privileged:  true,
		Enabled:     true,
		ScanMounts:  []string{"/data", "/archive"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if h.ID == 0 || h.Port != 22 || h.OSFamily != models.OSLinux {
		t.Errorf("created host = %+v", h)
	}

	got, ok, err := s.GetHost(ctx, h.ID)
	if err != nil || !ok {
		t.Fatalf("get: %v, %v", ok, err)
	}
	if !got.Privileged || len(got.ScanMounts) != 2 || got.ScanMounts[1] != "/archive" {
		t.Errorf("got = %+v", got)
	}

	got.Enabled = false
	if _, err := s.UpdateHost(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	enabled, err := s.ListHosts(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled hosts = %+v, want none", enabled)
	}

	if err := s.DeleteHost(ctx, h.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteHost(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if _, ok, _ := s.GetHost(ctx, h.ID); ok {
		t.Error("host still present after delete")
	}
}

func TestCreateHostValidation(t *testing.T) {
	s := openTestStore(t)
	tests := []struct {
		name string
		host models.Host
	}{
		{"missing name", models.Host{Address: "10.0.0.1"}},
		{"missing address", models.Host{Name: "a"}},
		{"unknown os", models.Host{Name: "a", Address: "10.0.0.1", OSFamily: "plan9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateHost(context.Background(), tt.host); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestThresholdCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	th, err := s.CreateThreshold(ctx, models.AlertThreshold{
		Name:     "data nearly full",
		Metric:   models.MetricUsePercent,
		Operator: models.OpGE,
		Value:    90,
		Enabled:  true,
		Cooldown: 30 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	if th.Cooldown != 30*time.Minute {
		t.Errorf("Cooldown = %v", th.Cooldown)
	}

	if _, err := s.CreateThreshold(ctx, models.AlertThreshold{Name: "bad", Metric: "inodes", Operator: models.OpGE}); err == nil {
		t.Error("unknown metric accepted")
	}

	th.Value = 95
	if _, err := s.UpdateThreshold(ctx, th); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListThresholds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Value != 95 {
		t.Errorf("thresholds = %+v", list)
	}

	if err := s.DeleteThreshold(ctx, th.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateThreshold(ctx, th); !errors.Is(err, ErrNotFound) {
		t.Errorf("update after delete err = %v", err)
	}
}

func TestAppendCollectionAndQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.CreateHost(ctx, models.Host{Name: "storage-01", Address: "10.0.0.5", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	day := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := day.Add(time.Duration(i) * 24 * time.Hour)
		used := uint64(400+i*10) * gib
		rec := models.FilesystemRecord{
			HostID: h.ID, Device: "/dev/sdb1", FSType: "xfs", MountPoint: "/data",
			TotalBytes: 500 * gib, UsedBytes: used, FreeBytes: 500*gib - used,
			UsePercent: float64(used) / float64(500*gib) * 100, CollectedAt: at,
		}
		dirs := []models.DirectoryUsage{
			{HostID: h.ID, MountPoint: "/data", Path: "/data/home", Owner: "root", UsedBytes: 200 * gib, PercentOfMount: 40, CollectedAt: at},
			{HostID: h.ID, MountPoint: "/data", Path: "/data/projects", Owner: "alice", UsedBytes: 100 * gib, PercentOfMount: 20, CollectedAt: at},
		}
		if err := s.AppendCollection(ctx, []models.FilesystemRecord{rec}, dirs); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}

	latest, err := s.LatestFilesystems(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 || latest[0].UsedBytes != 420*gib {
		t.Fatalf("latest = %+v", latest)
	}
	if !latest[0].CollectedAt.Equal(day.Add(48 * time.Hour)) {
		t.Errorf("latest CollectedAt = %v", latest[0].CollectedAt)
	}

	trend, err := s.FilesystemTrend(ctx, h.ID, "/data", day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(trend) != 2 || trend[0].UsedBytes != 410*gib {
		t.Errorf("trend = %+v", trend)
	}

	dirs, err := s.LatestDirectories(ctx, h.ID, "/data")
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 2 || dirs[0].Path != "/data/home" || dirs[1].Owner != "alice" {
		t.Errorf("dirs = %+v", dirs)
	}

	n, err := s.PruneBefore(ctx, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pruned %d rows, want 3", n)
	}
}

func TestAppendCollectionSkipsZeroTotal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	h, err := s.CreateHost(ctx, models.Host{Name: "a", Address: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}

	recs := []models.FilesystemRecord{{HostID: h.ID, MountPoint: "/empty", CollectedAt: time.Now()}}
	if err := s.AppendCollection(ctx, recs, nil); err != nil {
		t.Fatal(err)
	}
	latest, err := s.LatestFilesystems(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 0 {
		t.Errorf("zero-total record stored: %+v", latest)
	}
}

func TestSeedInventory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "inventory.yaml")
	data := `hosts:
  - name: storage-01
    address: 10.0.0.5
    username: ops
    os_family: ubuntu
    privileged: true
    scan_mounts: [/data]
    credentials:
      key_file: /etc/spacefleet/id_ed25519
  - name: legacy
    address: 10.0.0.9
    enabled: false
thresholds:
  - name: storage data
    metric: use_percent
    operator: ">="
    value: 90
    host: storage-01
    mount_point: /data
    cooldown: 2h
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	inv, err := LoadInventory(path)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := s.SeedInventory(ctx, inv)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Hosts != 2 || sum.Thresholds != 1 {
		t.Errorf("summary = %+v", sum)
	}

	hosts, err := s.ListHosts(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 || hosts[0].Name != "storage-01" || hosts[0].Credentials.KeyFile == "" {
		t.Fatalf("enabled hosts = %+v", hosts)
	}

	ths, err := s.ListThresholds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ths) != 1 || ths[0].HostID != hosts[0].ID || ths[0].Cooldown != 2*time.Hour || !ths[0].Enabled {
		t.Errorf("thresholds = %+v", ths)
	}

	// reseeding keeps host ids and does not duplicate thresholds
	sum, err = s.SeedInventory(ctx, inv)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Thresholds != 0 {
		t.Errorf("reseed inserted %d thresholds", sum.Thresholds)
	}
	again, _ := s.ListHosts(ctx, false)
	if len(again) != 2 || again[0].ID != hosts[0].ID {
		t.Errorf("hosts after reseed = %+v", again)
	}
}
