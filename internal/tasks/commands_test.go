package tasks

import (
	"strings"
	"testing"

	"github.com/spacefleet/collector/internal/models"
)

func TestCommandStrings(t *testing.T) {
	linux, _ := CommandsFor(models.OSLinux)
	bsd, _ := CommandsFor(models.OSFreeBSD)
	darwin, _ := CommandsFor(models.OSDarwin)

	must := func(s string, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return s
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"linux listing", linux.Listing(), "LC_ALL=C df -hPT"},
		{"freebsd listing", bsd.Listing(), "LC_ALL=C df -hT"},
		{"darwin listing", darwin.Listing(), "LC_ALL=C df -kP"},
		{"capacity", must(linux.MountCapacity("/data")), "LC_ALL=C df -hPT -- /data"},
		{"dir sizes", must(linux.DirectorySizes("/data")), "LC_ALL=C du -sk -- /data/* 2>/dev/null | sort -rn"},
		{"dir sizes root", must(linux.DirectorySizes("/")), "LC_ALL=C du -sk -- /* 2>/dev/null | sort -rn"},
		{"dir sizes spaces", must(linux.DirectorySizes("/mnt/media disk")), "LC_ALL=C du -sk -- '/mnt/media disk'/* 2>/dev/null | sort -rn"},
		{"linux owners", must(linux.Owners("/data")), "stat -c '%U %n' -- /data/* 2>/dev/null"},
		{"bsd owners", must(bsd.Owners("/data")), "stat -f '%Su %N' -- /data/* 2>/dev/null"},
		{"linux enumerate", must(linux.Enumerate("/data")), `find /data -xdev -type f -printf '%s\t%u\t%T@\t%p\n' 2>/dev/null`},
		{"bsd enumerate", must(bsd.Enumerate("/data")), "find -x /data -type f -exec stat -f '%z%t%Su%t%m%t%N' {} + 2>/dev/null"},
		{"linux largest", must(linux.LargestFiles("/data", 50)), `find /data -xdev -type f -printf '%s\t%u\t%T@\t%p\n' 2>/dev/null | sort -rn | head -n 50`},
		{"trailing slash cleaned", must(linux.Enumerate("/data/")), `find /data -xdev -type f -printf '%s\t%u\t%T@\t%p\n' 2>/dev/null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got  %q\nwant %q", tt.got, tt.want)
			}
			if err := checkAllowed(tt.got); err != nil {
				t.Errorf("composed command rejected by allow-list: %v", err)
			}
			for _, c := range []string{`"`, "$", "`"} {
				if strings.Contains(tt.got, c) {
					t.Errorf("command contains %q, which the escalation wrapper would interpret", c)
				}
			}
		})
	}
}

func TestQuotePath(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"/data", "/data", false},
		{"/srv/backup-01", "/srv/backup-01", false},
		{"/mnt/media disk", "'/mnt/media disk'", false},
		{"/data;rm -rf x", "'/data;rm -rf x'", false},
		{"/data|sh", "'/data|sh'", false},
		{"/data/../etc", "/etc", false},
		{"", "", true},
		{"data", "", true},
		{"/data$(reboot)", "", true},
		{"/data`id`", "", true},
		{`/data"x`, "", true},
		{"/it's", "", true},
		{`/back\slash`, "", true},
		{"/new\nline", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := QuotePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("QuotePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("QuotePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestHostileMountStaysInOneStage(t *testing.T) {
	linux, _ := CommandsFor(models.OSLinux)

	cmd, err := linux.DirectorySizes("/data;reboot|sh")
	if err != nil {
		t.Fatalf("DirectorySizes() error = %v", err)
	}
	stages, err := splitPipeline(cmd)
	if err != nil {
		t.Fatalf("splitPipeline() error = %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("got %d stages, want 2 (du | sort): %v", len(stages), stages)
	}
	if err := checkAllowed(cmd); err != nil {
		t.Errorf("checkAllowed() = %v", err)
	}
}

func TestLargestFilesLimit(t *testing.T) {
	linux, _ := CommandsFor(models.OSLinux)
	if _, err := linux.LargestFiles("/data", 0); err == nil {
		t.Error("LargestFiles(n=0) expected error")
	}
}

func TestCommandsFor(t *testing.T) {
	if c, err := CommandsFor(""); err != nil || c.Family() != models.OSLinux {
		t.Errorf("CommandsFor(\"\") = %v, %v; want linux", c.Family(), err)
	}
	if _, err := CommandsFor("plan9"); err == nil {
		t.Error("CommandsFor(plan9) expected error")
	}
}
