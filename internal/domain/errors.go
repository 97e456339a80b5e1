package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNoCandidates means there was no local address to offer the target.
	ErrNoCandidates = errors.New("no candidate proxy addresses")
	// ErrProbeTimeout means the IP-test script never reported an outcome.
	ErrProbeTimeout = errors.New("timed out waiting for ip test result")
	// ErrSubscriberActive is returned when a second consumer tries to
	// subscribe to a session whose message channel is already held.
	ErrSubscriberActive = errors.New("session already has an active message subscriber")
	// ErrSessionClosed is returned for operations on a killed or detached session.
	ErrSessionClosed = errors.New("agent session closed")
	// ErrHostUnavailable means the host snapshot is not in the available state.
	ErrHostUnavailable = errors.New("host is not available")
	// ErrTargetNotFound means the target is not part of the host snapshot.
	ErrTargetNotFound = errors.New("target not found on host")
)

// ScriptError is a runtime fault reported by an injected script.
type ScriptError struct {
	Description string
	Stack       string
}

func (e *ScriptError) Error() string {
	if e.Stack == "" {
		return e.Description
	}
	return e.Description + "\n" + e.Stack
}

// NewScriptError builds a ScriptError from an error message.
func NewScriptError(msg Message) *ScriptError {
	desc := msg.Description
	if desc == "" {
		desc = "unknown script error"
	}
	return &ScriptError{Description: desc, Stack: msg.Stack}
}

// ProxyUnreachableError reports that the target could not confirm any
// candidate proxy address. Addresses lists every candidate that was tried;
// it is empty when nothing could be tried at all.
type ProxyUnreachableError struct {
	Port      int
	Addresses []string
	Cause     error
}

func (e *ProxyUnreachableError) Error() string {
	var b strings.Builder
	b.WriteString("proxy unreachable from target")
	if len(e.Addresses) == 0 {
		b.WriteString(": no addresses tried")
	} else {
		b.WriteString(": tried ")
		for i, addr := range e.Addresses {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(addr)
			if e.Port > 0 {
				b.WriteString(":" + strconv.Itoa(e.Port))
			}
		}
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProxyUnreachableError) Unwrap() error { return e.Cause }

// UnexpectedMessageError signals a payload outside the expected protocol.
type UnexpectedMessageError struct {
	Context string
	Payload string
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message from %s: %s", e.Context, e.Payload)
}

// IntegrityError is raised when a fetched artifact cannot be trusted,
// either because its digest differs or no digest is known for it.
type IntegrityError struct {
	Key  DependencyKey
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("no known digest for %s", e.Key)
	}
	return fmt.Sprintf("integrity check failed for %s: want %s, got %s", e.Key, e.Want, e.Got)
}

// LaunchError reports a script that failed before it finished loading.
type LaunchError struct {
	Target string
	Cause  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch script in %s: %v", e.Target, e.Cause)
}

func (e *LaunchError) Unwrap() error { return e.Cause }
