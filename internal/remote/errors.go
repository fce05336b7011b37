package remote

import (
	"fmt"
)

// ConnectionFailure classifies why a session could not be opened.
type ConnectionFailure int

const (
	HostUnreachable ConnectionFailure = iota + 1
	ConnectTimeout
	AuthFailure
	AuthConfigMissing
)

func (k ConnectionFailure) String() string {
	switch k {
	case HostUnreachable:
		return "host unreachable"
	case ConnectTimeout:
		return "connect timeout"
	case AuthFailure:
		return "authentication failed"
	case AuthConfigMissing:
		return "no password or key file configured"
	default:
		return "connection error"
	}
}

// ConnectionError is returned by Manager.Acquire.
type ConnectionError struct {
	Kind ConnectionFailure
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	msg := e.Kind.String()
	if e.Host != "" {
		msg = e.Host + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches sentinels by kind so errors.Is(err, ErrAuthFailure) works.
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && (t.Kind == 0 || t.Kind == e.Kind)
}

var (
	ErrConnection        = &ConnectionError{}
	ErrHostUnreachable   = &ConnectionError{Kind: HostUnreachable}
	ErrConnectTimeout    = &ConnectionError{Kind: ConnectTimeout}
	ErrAuthFailure       = &ConnectionError{Kind: AuthFailure}
	ErrAuthConfigMissing = &ConnectionError{Kind: AuthConfigMissing}
)

// PrivilegeFailure classifies a failed non-interactive escalation.
type PrivilegeFailure int

const (
	NoEscalationRights PrivilegeFailure = iota + 1
	InteractivePasswordRequired
)

func (k PrivilegeFailure) String() string {
	switch k {
	case NoEscalationRights:
		return "user has no sudo rights"
	case InteractivePasswordRequired:
		return "sudo requires an interactive password (configure NOPASSWD)"
	default:
		return "privilege error"
	}
}

// PrivilegeError is returned when the escalation wrapper is refused.
type PrivilegeError struct {
	Kind   PrivilegeFailure
	Stderr string
}

func (e *PrivilegeError) Error() string {
	if e.Stderr == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Stderr)
}

func (e *PrivilegeError) Is(target error) bool {
	t, ok := target.(*PrivilegeError)
	return ok && (t.Kind == 0 || t.Kind == e.Kind)
}

var (
	ErrPrivilege                   = &PrivilegeError{}
	ErrNoEscalationRights          = &PrivilegeError{Kind: NoEscalationRights}
	ErrInteractivePasswordRequired = &PrivilegeError{Kind: InteractivePasswordRequired}
)

// CommandFailure classifies a failed remote command.
type CommandFailure int

const (
	NonZeroExit CommandFailure = iota + 1
	CommandTimeout
	TransportLost
	NotAllowed
)

func (k CommandFailure) String() string {
	switch k {
	case NonZeroExit:
		return "non-zero exit"
	case CommandTimeout:
		return "command timeout"
	case TransportLost:
		return "transport lost"
	case NotAllowed:
		return "command not allowed"
	default:
		return "command error"
	}
}

// CommandError is returned by the executor.
type CommandError struct {
	Kind     CommandFailure
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	switch e.Kind {
	case NonZeroExit:
		if e.Stderr != "" {
			return fmt.Sprintf("%q exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("%q exited with code %d", e.Command, e.ExitCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %q: %v", e.Kind, e.Command, e.Err)
		}
		return fmt.Sprintf("%s: %q", e.Kind, e.Command)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	return ok && (t.Kind == 0 || t.Kind == e.Kind)
}

var (
	ErrCommand        = &CommandError{}
	ErrNonZeroExit    = &CommandError{Kind: NonZeroExit}
	ErrCommandTimeout = &CommandError{Kind: CommandTimeout}
	ErrTransportLost  = &CommandError{Kind: TransportLost}
	ErrNotAllowed     = &CommandError{Kind: NotAllowed}
)
