package tasks

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spacefleet/collector/internal/remote"
	"go.uber.org/zap"
)

// allowedPrograms is the fixed set of programs a remote pipeline may invoke
var allowedPrograms = map[string]bool{
	"df":   true,
	"du":   true,
	"find": true,
	"stat": true,
	"sort": true,
	"head": true,
	"echo": true,
	"true": true,
}

// stderrLimit caps captured stderr; find over a large tree can emit a lot
const stderrLimit = 64 * 1024

// maxLineBytes bounds a single streamed output line
const maxLineBytes = 1024 * 1024

var assignmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// Result is the captured output of a remote command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes command on sess with timeout. On a non-zero exit the result
// is returned together with the error so callers can use partial output.
func (e *Executor) Run(ctx context.Context, sess remote.Session, command string, timeout time.Duration) (*Result, error) {
	if err := checkAllowed(command); err != nil {
		e.RecordCommandError(err)
		return nil, err
	}

	host := sess.Host()
	decoder := e.decoderFor(host.Encoding)

	e.logger.Debug("Executing remote command",
		zap.Int64("host_id", host.ID),
		zap.String("command", command),
		zap.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &lockedBuffer{}
	stderr := &lockedBuffer{limit: stderrLimit}

	code, err := sess.Exec(ctx, command, stdout, stderr)
	if err != nil {
		e.logger.Warn("Remote command failed",
			zap.Int64("host_id", host.ID),
			zap.String("command", command),
			zap.Error(err))
		e.RecordCommandError(err)
		return nil, err
	}

	res := &Result{
		Stdout:   decoder.Decode(stdout.Bytes()),
		Stderr:   decoder.Decode(stderr.Bytes()),
		ExitCode: code,
	}

	if code != 0 {
		err := exitError(host.Privileged, command, code, res.Stderr)
		e.logger.Debug("Remote command exited non-zero",
			zap.Int64("host_id", host.ID),
			zap.String("command", command),
			zap.Int("exit_code", code),
			zap.Error(err))
		e.RecordCommandError(err)
		return res, err
	}

	e.RecordCommandSuccess()
	return res, nil
}

// Stream executes command and hands each decoded stdout line to onLine.
// Output is never buffered whole. If onLine fails the remaining output is
// drained and the first callback error is returned.
func (e *Executor) Stream(ctx context.Context, sess remote.Session, command string, timeout time.Duration, onLine func(string) error) error {
	if err := checkAllowed(command); err != nil {
		e.RecordCommandError(err)
		return err
	}

	host := sess.Host()
	decoder := e.decoderFor(host.Encoding)

	e.logger.Debug("Streaming remote command",
		zap.Int64("host_id", host.ID),
		zap.String("command", command),
		zap.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pr, pw := io.Pipe()
	stderr := &lockedBuffer{limit: stderrLimit}

	scanned := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

		var cbErr error
		for scanner.Scan() {
			if cbErr != nil {
				continue
			}
			cbErr = onLine(decoder.Decode(scanner.Bytes()))
		}
		if cbErr == nil {
			if err := scanner.Err(); err != nil {
				cbErr = fmt.Errorf("failed to read output: %w", err)
			}
		}
		// Keep the writer from blocking after a scan error
		_, _ = io.Copy(io.Discard, pr)
		scanned <- cbErr
	}()

	code, err := sess.Exec(ctx, command, pw, stderr)
	pw.Close()
	cbErr := <-scanned

	if err != nil {
		e.RecordCommandError(err)
		return err
	}
	if cbErr != nil {
		e.RecordCommandError(cbErr)
		return cbErr
	}
	if code != 0 {
		err := exitError(host.Privileged, command, code, decoder.Decode(stderr.Bytes()))
		e.RecordCommandError(err)
		return err
	}

	e.RecordCommandSuccess()
	return nil
}

func (e *Executor) decoderFor(encoding string) remote.Decoder {
	d, err := remote.NewDecoder(encoding)
	if err != nil {
		e.logger.Warn("Unknown host encoding, falling back to UTF-8",
			zap.String("encoding", encoding))
		d, _ = remote.NewDecoder("")
	}
	return d
}

// exitError builds the error for a non-zero exit. A refused escalation is
// reported as a PrivilegeError instead of a plain exit code.
func exitError(privileged bool, command string, code int, stderr string) error {
	if privileged {
		if perr := remote.ClassifyPrivilegeFailure(stderr); perr != nil {
			return perr
		}
	}
	return &remote.CommandError{
		Kind:     remote.NonZeroExit,
		Command:  command,
		ExitCode: code,
		Stderr:   strings.TrimSpace(stderr),
	}
}

// checkAllowed verifies every stage of a pipeline runs an allow-listed
// program and that nothing outside single quotes can start another command.
func checkAllowed(command string) error {
	stages, err := splitPipeline(command)
	if err != nil {
		return &remote.CommandError{Kind: remote.NotAllowed, Command: command, ExitCode: -1, Err: err}
	}

	for _, stage := range stages {
		i := 0
		for i < len(stage) && assignmentPattern.MatchString(stage[i]) {
			i++
		}
		if i == len(stage) {
			return &remote.CommandError{Kind: remote.NotAllowed, Command: command, ExitCode: -1,
				Err: fmt.Errorf("pipeline stage has no program")}
		}
		if !allowedPrograms[stage[i]] {
			return &remote.CommandError{Kind: remote.NotAllowed, Command: command, ExitCode: -1,
				Err: fmt.Errorf("program %q not in allow-list", stage[i])}
		}
		for j := i + 1; j < len(stage)-1; j++ {
			if stage[j] == "-exec" || stage[j] == "-execdir" {
				if !allowedPrograms[stage[j+1]] {
					return &remote.CommandError{Kind: remote.NotAllowed, Command: command, ExitCode: -1,
						Err: fmt.Errorf("program %q not in allow-list", stage[j+1])}
				}
			}
		}
	}
	return nil
}

// splitPipeline tokenizes a command into pipeline stages. Single quotes are
// the only quoting honoured. Characters that the escalation wrapper's double
// quotes would interpret are refused anywhere.
func splitPipeline(command string) ([][]string, error) {
	var (
		stages     [][]string
		tokens     []string
		cur        strings.Builder
		inQuote    bool
		hasToken   bool
		redirected bool
	)

	flush := func() error {
		if !hasToken {
			return nil
		}
		tok := cur.String()
		if redirected && tok != "2>/dev/null" {
			return fmt.Errorf("redirection %q not allowed", tok)
		}
		tokens = append(tokens, tok)
		cur.Reset()
		hasToken, redirected = false, false
		return nil
	}

	for _, r := range command {
		switch {
		case r == '"' || r == '$' || r == '`' || r == '\\' && !inQuote || r == 0 || r == '\n' || r == '\r':
			return nil, fmt.Errorf("forbidden character %q", r)
		case inQuote:
			if r == '\'' {
				inQuote = false
			} else {
				cur.WriteRune(r)
			}
		case r == '\'':
			inQuote, hasToken = true, true
		case r == ' ' || r == '\t':
			if err := flush(); err != nil {
				return nil, err
			}
		case r == '|':
			if err := flush(); err != nil {
				return nil, err
			}
			if len(tokens) == 0 {
				return nil, fmt.Errorf("empty pipeline stage")
			}
			stages = append(stages, tokens)
			tokens = nil
		case r == '>':
			redirected = true
			cur.WriteRune(r)
			hasToken = true
		case strings.ContainsRune(";&()<", r):
			return nil, fmt.Errorf("forbidden character %q", r)
		default:
			cur.WriteRune(r)
			hasToken = true
		}
	}

	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty pipeline stage")
	}
	return append(stages, tokens), nil
}

// lockedBuffer is written by the SSH session's copy goroutines, which can
// outlive Exec when a command is abandoned on timeout.
type lockedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 {
		if room := b.limit - b.buf.Len(); room < len(p) {
			if room > 0 {
				b.buf.Write(p[:room])
			}
			return len(p), nil
		}
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
