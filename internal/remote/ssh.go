package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spacefleet/collector/internal/config"
	"github.com/spacefleet/collector/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testCommandTimeout bounds the round-trip commands run by Test and TestPrivilege
const testCommandTimeout = 30 * time.Second

// Session is one remote command-execution session bound to a host.
// Sessions are not shared between concurrent operations.
type Session interface {
	// Exec runs command and returns its exit code. A non-zero exit is not an
	// error; transport failures and ctx expiry are.
	Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)
	Host() models.Host
	Close() error
}

// Dialer opens sessions. Manager is the SSH implementation.
type Dialer interface {
	Acquire(ctx context.Context, host models.Host) (Session, error)
}

// CheckResult is the outcome of a connection or privilege test
type CheckResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Manager opens SSH sessions to fleet hosts
type Manager struct {
	cfg             config.SSHConfig
	logger          *zap.Logger
	hostKeyCallback ssh.HostKeyCallback
	getenv          func(string) string
}

// NewManager creates a session manager. When no known_hosts file is
// configured every host key is accepted.
func NewManager(cfg config.SSHConfig, logger *zap.Logger) (*Manager, error) {
	callback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		callback = cb
	} else {
		logger.Warn("No known_hosts file configured, host keys will not be verified")
	}

	return &Manager{
		cfg:             cfg,
		logger:          logger,
		hostKeyCallback: callback,
		getenv:          os.Getenv,
	}, nil
}

// credential is the resolved authentication material for one host
type credential struct {
	password   string
	keyFile    string
	passphrase string
}

// resolveCredential applies the lookup order: literal password, password
// from environment, then key file.
func resolveCredential(c models.Credentials, getenv func(string) string) (credential, error) {
	if c.Password != "" {
		return credential{password: c.Password}, nil
	}
	if c.PasswordEnv != "" {
		if pw := getenv(c.PasswordEnv); pw != "" {
			return credential{password: pw}, nil
		}
	}
	if c.KeyFile != "" {
		cred := credential{keyFile: c.KeyFile}
		if c.KeyPassphraseEnv != "" {
			cred.passphrase = getenv(c.KeyPassphraseEnv)
		}
		return cred, nil
	}
	return credential{}, &ConnectionError{Kind: AuthConfigMissing}
}

func (c credential) authMethods() ([]ssh.AuthMethod, error) {
	if c.password != "" {
		pw := c.password
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, nil
	}

	key, err := os.ReadFile(c.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", c.keyFile, err)
	}

	var signer ssh.Signer
	if c.passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", c.keyFile, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Acquire opens a new session to host
func (m *Manager) Acquire(ctx context.Context, host models.Host) (Session, error) {
	addr := net.JoinHostPort(host.Address, strconv.Itoa(host.SSHPort()))

	cred, err := resolveCredential(host.Credentials, m.getenv)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			connErr.Host = addr
		}
		return nil, err
	}
	auth, err := cred.authMethods()
	if err != nil {
		return nil, &ConnectionError{Kind: AuthConfigMissing, Host: addr, Err: err}
	}

	username := host.Username
	if username == "" {
		username = m.cfg.DefaultUsername
	}

	clientCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: m.hostKeyCallback,
		Timeout:         m.cfg.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}

	// The handshake is bounded by the same connect timeout
	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, classifyDialError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	m.logger.Debug("SSH session opened",
		zap.Int64("host_id", host.ID),
		zap.String("addr", addr),
		zap.String("user", username))

	return &sshSession{client: ssh.NewClient(c, chans, reqs), host: host}, nil
}

// classifyDialError maps dial and handshake failures onto ConnectionFailure kinds
func classifyDialError(addr string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &ConnectionError{Kind: ConnectTimeout, Host: addr, Err: err}
	}

	var keyErr *knownhosts.KeyError
	var revokedErr *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revokedErr) {
		return &ConnectionError{Kind: AuthFailure, Host: addr, Err: err}
	}

	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return &ConnectionError{Kind: AuthFailure, Host: addr, Err: err}
	}

	return &ConnectionError{Kind: HostUnreachable, Host: addr, Err: err}
}

// Test runs a trivial command and reports round-trip success
func (m *Manager) Test(ctx context.Context, host models.Host) CheckResult {
	// Privilege is tested separately
	host.Privileged = false

	sess, err := m.Acquire(ctx, host)
	if err != nil {
		return CheckResult{Success: false, Message: err.Error()}
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(ctx, testCommandTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code, err := sess.Exec(ctx, "echo OK", &stdout, &stderr)
	if err != nil {
		return CheckResult{Success: false, Message: err.Error()}
	}
	if code != 0 || strings.TrimSpace(stdout.String()) != "OK" {
		return CheckResult{
			Success: false,
			Message: fmt.Sprintf("unexpected response (exit %d): %s", code, strings.TrimSpace(stdout.String()+stderr.String())),
		}
	}
	return CheckResult{Success: true, Message: "connection successful"}
}

// TestPrivilege runs a benign command through the escalation wrapper
func (m *Manager) TestPrivilege(ctx context.Context, host models.Host) CheckResult {
	host.Privileged = true

	sess, err := m.Acquire(ctx, host)
	if err != nil {
		return CheckResult{Success: false, Message: err.Error()}
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(ctx, testCommandTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code, err := sess.Exec(ctx, "true", &stdout, &stderr)
	if err != nil {
		return CheckResult{Success: false, Message: err.Error()}
	}
	return privilegeResult(code, stderr.String())
}

func privilegeResult(code int, stderr string) CheckResult {
	if code == 0 {
		return CheckResult{Success: true, Message: "non-interactive sudo available"}
	}
	if perr := ClassifyPrivilegeFailure(stderr); perr != nil {
		return CheckResult{Success: false, Message: perr.Error()}
	}
	return CheckResult{
		Success: false,
		Message: fmt.Sprintf("privileged command exited with code %d: %s", code, strings.TrimSpace(stderr)),
	}
}

type sshSession struct {
	client *ssh.Client
	host   models.Host
}

func (s *sshSession) Host() models.Host { return s.host }

func (s *sshSession) Close() error { return s.client.Close() }

func (s *sshSession) Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	if s.host.Privileged {
		command = WrapPrivileged(command)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return -1, &CommandError{Kind: TransportLost, Command: command, ExitCode: -1, Err: err}
	}
	defer sess.Close()

	sess.Stdout = stdout
	sess.Stderr = stderr

	if err := sess.Start(command); err != nil {
		return -1, &CommandError{Kind: TransportLost, Command: command, ExitCode: -1, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.Wait()
	}()

	select {
	case err := <-done:
		return exitStatus(command, err)
	case <-ctx.Done():
		// Abandoning the session is the only cleanup
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		kind := CommandTimeout
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = TransportLost
		}
		return -1, &CommandError{Kind: kind, Command: command, ExitCode: -1, Err: ctx.Err()}
	}
}

func exitStatus(command string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, &CommandError{Kind: TransportLost, Command: command, ExitCode: -1, Err: err}
}
