package remote

import (
	"fmt"
	"strings"
)

// privilegeWrapper is the escalation form every privileged command takes.
// -n makes sudo fail instead of prompting.
const privilegeWrapper = `sudo -n bash -lc "%s"`

// WrapPrivileged returns inner wrapped for non-interactive escalation.
func WrapPrivileged(inner string) string {
	return fmt.Sprintf(privilegeWrapper, inner)
}

// ClassifyPrivilegeFailure turns the stderr of a refused sudo into a PrivilegeError.
// Returns nil when stderr does not look like a sudo refusal.
func ClassifyPrivilegeFailure(stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "a password is required"),
		strings.Contains(lower, "a terminal is required"),
		strings.Contains(lower, "no tty present"):
		return &PrivilegeError{Kind: InteractivePasswordRequired, Stderr: msg}
	case strings.Contains(lower, "not in the sudoers file"),
		strings.Contains(lower, "is not allowed to execute"),
		strings.Contains(lower, "is not allowed to run sudo"),
		strings.Contains(lower, "may not run sudo"),
		strings.Contains(lower, "sudo: command not found"),
		strings.Contains(lower, "sudo: not found"):
		return &PrivilegeError{Kind: NoEscalationRights, Stderr: msg}
	}
	return nil
}
