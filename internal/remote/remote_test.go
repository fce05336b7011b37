package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/spacefleet/collector/internal/models"
)

func TestWrapPrivileged(t *testing.T) {
	inputs := []string{
		"true",
		"LC_ALL=C df -hPT",
		"LC_ALL=C du -sk -- '/data'/* 2>/dev/null | sort -rn",
		"find '/srv/media' -xdev -type f -printf '%s\\t%u\\t%T@\\t%p\\n' 2>/dev/null",
		"",
		"echo 'a b'   c",
	}

	for _, inner := range inputs {
		got := WrapPrivileged(inner)
		want := `sudo -n bash -lc "` + inner + `"`
		if got != want {
			t.Errorf("WrapPrivileged(%q) = %q, want %q", inner, got, want)
		}
	}
}

func TestClassifyPrivilegeFailure(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"password required", "sudo: a password is required\n", ErrInteractivePasswordRequired},
		{"terminal required", "sudo: a terminal is required to read the password; either use the -S option", ErrInteractivePasswordRequired},
		{"not in sudoers", "ops is not in the sudoers file.  This incident will be reported.", ErrNoEscalationRights},
		{"may not run", "Sorry, user ops may not run sudo on fs01.", ErrNoEscalationRights},
		{"not allowed to execute", "Sorry, user ops is not allowed to execute '/bin/bash -lc true' as root on fs01.", ErrNoEscalationRights},
		{"sudo missing", "bash: sudo: command not found", ErrNoEscalationRights},
		{"unrelated", "du: cannot access '/data/x': Permission denied", nil},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyPrivilegeFailure(tt.stderr)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("ClassifyPrivilegeFailure() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("ClassifyPrivilegeFailure() = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrPrivilege) {
				t.Errorf("ClassifyPrivilegeFailure() = %v, should match ErrPrivilege", err)
			}
		})
	}
}

func TestPrivilegeResult(t *testing.T) {
	if r := privilegeResult(0, ""); !r.Success {
		t.Errorf("exit 0 should succeed, got %+v", r)
	}

	r := privilegeResult(1, "sudo: a password is required")
	if r.Success || !strings.Contains(r.Message, "NOPASSWD") {
		t.Errorf("password prompt result = %+v, want failure mentioning NOPASSWD", r)
	}

	r = privilegeResult(1, "ops is not in the sudoers file.")
	if r.Success || !strings.Contains(r.Message, "no sudo rights") {
		t.Errorf("sudoers result = %+v, want failure mentioning sudo rights", r)
	}

	r = privilegeResult(127, "something odd")
	if r.Success || !strings.Contains(r.Message, "code 127") {
		t.Errorf("generic result = %+v, want exit code in message", r)
	}
}

func TestResolveCredential(t *testing.T) {
	env := map[string]string{"FS01_PW": "from-env", "KEY_PASS": "hunter2"}
	getenv := func(k string) string { return env[k] }

	tests := []struct {
		name    string
		creds   models.Credentials
		want    credential
		wantErr error
	}{
		{
			name:  "literal password wins",
			creds: models.Credentials{Password: "literal", PasswordEnv: "FS01_PW", KeyFile: "/keys/id"},
			want:  credential{password: "literal"},
		},
		{
			name:  "password from env before key",
			creds: models.Credentials{PasswordEnv: "FS01_PW", KeyFile: "/keys/id"},
			want:  credential{password: "from-env"},
		},
		{
			name:  "empty env falls through to key",
			creds: models.Credentials{PasswordEnv: "UNSET", KeyFile: "/keys/id"},
			want:  credential{keyFile: "/keys/id"},
		},
		{
			name:  "key with passphrase",
			creds: models.Credentials{KeyFile: "/keys/id", KeyPassphraseEnv: "KEY_PASS"},
			want:  credential{keyFile: "/keys/id", passphrase: "hunter2"},
		},
		{
			name:    "nothing configured",
			creds:   models.Credentials{},
			wantErr: ErrAuthConfigMissing,
		},
		{
			name:    "unset env and no key",
			creds:   models.Credentials{PasswordEnv: "UNSET"},
			wantErr: ErrAuthConfigMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveCredential(tt.creds, getenv)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("resolveCredential() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveCredential() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveCredential() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrConnectTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrConnectTimeout},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), ErrAuthFailure},
		{"refused", errors.New("dial tcp 10.0.0.5:22: connect: connection refused"), ErrHostUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyDialError("10.0.0.5:22", tt.err)
			if !errors.Is(err, tt.want) {
				t.Errorf("classifyDialError() = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrConnection) {
				t.Errorf("classifyDialError() = %v, should match ErrConnection", err)
			}
			if !strings.Contains(err.Error(), "10.0.0.5:22") {
				t.Errorf("classifyDialError() = %q, want host in message", err.Error())
			}
		})
	}
}

func TestCommandErrorIs(t *testing.T) {
	err := fmt.Errorf("collect: %w", &CommandError{Kind: NonZeroExit, Command: "du -sk", ExitCode: 1, Stderr: "Permission denied"})

	if !errors.Is(err, ErrNonZeroExit) {
		t.Error("wrapped CommandError should match ErrNonZeroExit")
	}
	if !errors.Is(err, ErrCommand) {
		t.Error("wrapped CommandError should match ErrCommand")
	}
	if errors.Is(err, ErrCommandTimeout) {
		t.Error("NonZeroExit should not match ErrCommandTimeout")
	}
	if errors.Is(err, ErrConnection) {
		t.Error("CommandError should not match ErrConnection")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != 1 {
		t.Errorf("errors.As() = %+v, want exit code 1", cmdErr)
	}
	if !strings.Contains(err.Error(), "Permission denied") {
		t.Errorf("Error() = %q, want stderr included", err.Error())
	}
}

func TestDecoders(t *testing.T) {
	// "中文" in GBK
	gbk := []byte{0xD6, 0xD0, 0xCE, 0xC4}

	tests := []struct {
		encoding string
		input    []byte
		want     string
	}{
		{"utf-8", []byte("/data/projects"), "/data/projects"},
		{"", []byte("plain"), "plain"},
		{"gbk", gbk, "中文"},
		{"gb18030", gbk, "中文"},
		{"gbk", []byte("/data/已经是utf8"), "/data/已经是utf8"},
	}

	for _, tt := range tests {
		t.Run(tt.encoding+"/"+tt.want, func(t *testing.T) {
			d, err := NewDecoder(tt.encoding)
			if err != nil {
				t.Fatalf("NewDecoder(%q) error = %v", tt.encoding, err)
			}
			if got := d.Decode(tt.input); got != tt.want {
				t.Errorf("Decode() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := NewDecoder("ebcdic"); err == nil {
		t.Error("NewDecoder(ebcdic) expected error")
	}
}
