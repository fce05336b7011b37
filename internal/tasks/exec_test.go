package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spacefleet/collector/internal/models"
	"github.com/spacefleet/collector/internal/remote"
	"go.uber.org/zap"
)

type fakeSession struct {
	host     models.Host
	stdout   string
	stderr   string
	code     int
	err      error
	commands []string
	deadline bool
}

func (f *fakeSession) Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	f.commands = append(f.commands, command)
	_, f.deadline = ctx.Deadline()
	io.WriteString(stdout, f.stdout)
	io.WriteString(stderr, f.stderr)
	return f.code, f.err
}

func (f *fakeSession) Host() models.Host { return f.host }
func (f *fakeSession) Close() error      { return nil }

func TestCheckAllowed(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"listing", "LC_ALL=C df -hPT", false},
		{"du pipeline", "LC_ALL=C du -sk -- /data/* 2>/dev/null | sort -rn", false},
		{"quoted path with spaces", "LC_ALL=C du -sk -- '/mnt/media disk'/* 2>/dev/null | sort -rn", false},
		{"find printf", `find /data -xdev -type f -printf '%s\t%u\t%T@\t%p\n' 2>/dev/null | sort -rn | head -n 50`, false},
		{"find exec stat", "find -x /data -type f -exec stat -f '%z%t%Su%t%m%t%N' {} + 2>/dev/null", false},
		{"echo", "echo OK", false},
		{"true", "true", false},
		{"pipe inside quotes", "stat -c '%U|%n' -- /data/*", false},
		{"program not allowed", "rm -rf /data", true},
		{"second stage not allowed", "df -h | sh", true},
		{"exec not allowed", "find /data -exec rm {} +", true},
		{"semicolon", "df -h; rm -rf /", true},
		{"and chain", "df -h && reboot", true},
		{"command substitution", "echo $(id)", true},
		{"backticks", "echo `id`", true},
		{"variable", "echo $HOME", true},
		{"double quotes", `echo "hi"`, true},
		{"redirect to file", "df -h > /tmp/out", true},
		{"input redirect", "sort < /etc/shadow", true},
		{"empty", "", true},
		{"empty stage", "df -h || true", true},
		{"only assignment", "LC_ALL=C", true},
		{"unterminated quote", "stat -c '%U", true},
		{"path program", "/bin/df -h", true},
		{"newline", "df -h\nreboot", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkAllowed(tt.command)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkAllowed(%q) error = %v, wantErr %v", tt.command, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, remote.ErrNotAllowed) {
				t.Errorf("checkAllowed(%q) error = %v, want ErrNotAllowed", tt.command, err)
			}
		})
	}
}

func TestRun(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	sess := &fakeSession{
		host:   models.Host{ID: 7},
		stdout: "Filesystem Type Size Used Avail Use% Mounted on\n",
	}

	res, err := executor.Run(context.Background(), sess, "LC_ALL=C df -hPT", time.Minute)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 || !strings.HasPrefix(res.Stdout, "Filesystem") {
		t.Errorf("Run() = %+v, want exit 0 with listing", res)
	}
	if !sess.deadline {
		t.Error("Run() should pass a context with a deadline")
	}
	if got := executor.GetAgentMetrics().CommandsProcessed; got != 1 {
		t.Errorf("CommandsProcessed = %d, want 1", got)
	}
}

func TestRunRejectsBeforeExecuting(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	sess := &fakeSession{host: models.Host{ID: 1}}

	_, err := executor.Run(context.Background(), sess, "rm -rf /", time.Minute)
	if !errors.Is(err, remote.ErrNotAllowed) {
		t.Fatalf("Run() error = %v, want ErrNotAllowed", err)
	}
	if len(sess.commands) != 0 {
		t.Errorf("session executed %v, want nothing", sess.commands)
	}
}

func TestRunNonZeroExitKeepsOutput(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	sess := &fakeSession{
		host:   models.Host{ID: 1},
		stdout: "1024\t/data/a\n",
		stderr: "du: cannot read directory '/data/b': Permission denied\n",
		code:   1,
	}

	res, err := executor.Run(context.Background(), sess, "du -sk -- /data/*", time.Minute)
	if !errors.Is(err, remote.ErrNonZeroExit) {
		t.Fatalf("Run() error = %v, want ErrNonZeroExit", err)
	}
	if res == nil || res.Stdout != "1024\t/data/a\n" {
		t.Fatalf("Run() result = %+v, want partial stdout", res)
	}

	var cmdErr *remote.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != 1 || !strings.Contains(cmdErr.Stderr, "Permission denied") {
		t.Errorf("CommandError = %+v, want exit 1 with stderr", cmdErr)
	}
}

func TestRunPrivilegeRefused(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	sess := &fakeSession{
		host:   models.Host{ID: 1, Privileged: true},
		stderr: "sudo: a password is required\n",
		code:   1,
	}

	_, err := executor.Run(context.Background(), sess, "LC_ALL=C df -hPT", time.Minute)
	if !errors.Is(err, remote.ErrInteractivePasswordRequired) {
		t.Fatalf("Run() error = %v, want ErrInteractivePasswordRequired", err)
	}

	// Same stderr on an unprivileged host is a plain exit failure
	sess.host.Privileged = false
	_, err = executor.Run(context.Background(), sess, "LC_ALL=C df -hPT", time.Minute)
	if !errors.Is(err, remote.ErrNonZeroExit) {
		t.Fatalf("Run() error = %v, want ErrNonZeroExit", err)
	}
}

func TestRunTransportError(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	sess := &fakeSession{
		host: models.Host{ID: 1},
		err:  &remote.CommandError{Kind: remote.CommandTimeout, Command: "df", ExitCode: -1, Err: context.DeadlineExceeded},
	}

	res, err := executor.Run(context.Background(), sess, "df -h", time.Second)
	if !errors.Is(err, remote.ErrCommandTimeout) {
		t.Fatalf("Run() error = %v, want ErrCommandTimeout", err)
	}
	if res != nil {
		t.Errorf("Run() result = %+v, want nil", res)
	}
	if got := executor.GetAgentMetrics().CommandsErrored; got != 1 {
		t.Errorf("CommandsErrored = %d, want 1", got)
	}
}

func TestRunDecodesHostEncoding(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	sess := &fakeSession{
		host:   models.Host{ID: 1, Encoding: models.EncodingGBK},
		stdout: string([]byte{'4', '\t', '/', 0xD6, 0xD0, 0xCE, 0xC4, '\n'}),
	}

	res, err := executor.Run(context.Background(), sess, "du -sk -- /*", time.Minute)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "4\t/中文\n" {
		t.Errorf("Stdout = %q, want decoded path", res.Stdout)
	}
}

func TestStream(t *testing.T) {
	executor := NewExecutor(zap.NewNop())

	var sb strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&sb, "%d\troot\t1700000000\t/data/file%d.log\n", i, i)
	}
	sess := &fakeSession{host: models.Host{ID: 1}, stdout: sb.String()}

	var lines int
	err := executor.Stream(context.Background(), sess, "find /data -type f", time.Minute, func(line string) error {
		if !strings.HasSuffix(line, ".log") {
			return fmt.Errorf("unexpected line %q", line)
		}
		lines++
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if lines != 1000 {
		t.Errorf("Stream() delivered %d lines, want 1000", lines)
	}
}

func TestStreamCallbackError(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	sess := &fakeSession{host: models.Host{ID: 1}, stdout: "a\nb\nc\n"}

	stop := errors.New("stop")
	var calls int
	err := executor.Stream(context.Background(), sess, "find /data -type f", time.Minute, func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Stream() error = %v, want callback error", err)
	}
	if calls != 1 {
		t.Errorf("callback called %d times, want 1", calls)
	}
}

func TestStreamNonZeroExit(t *testing.T) {
	executor := NewExecutor(zap.NewNop())
	sess := &fakeSession{host: models.Host{ID: 1}, stdout: "1\troot\t1\t/x\n", code: 2}

	err := executor.Stream(context.Background(), sess, "find /data -type f", time.Minute, func(string) error { return nil })
	if !errors.Is(err, remote.ErrNonZeroExit) {
		t.Fatalf("Stream() error = %v, want ErrNonZeroExit", err)
	}
}

func TestLockedBufferLimit(t *testing.T) {
	b := &lockedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write() = %d, %v; want 6, nil", n, err)
	}
	b.Write([]byte("gh"))
	if got := string(b.Bytes()); got != "abcd" {
		t.Errorf("Bytes() = %q, want %q", got, "abcd")
	}
}
