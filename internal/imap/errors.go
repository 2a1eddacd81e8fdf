package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// AuthError indicates the server rejected the account's credentials.
// Not retried automatically; surfaced to the user for re-authentication.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// NetworkError wraps a transient connection or I/O failure. Retryable
// via backoff; surfaced only as a transient status indicator.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error in %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError wraps an unexpected server response. Treated as a
// transient retry unless repeated.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NotFoundError indicates the target message no longer exists on the
// server. Triggers an optimistic-mutation revert.
type NotFoundError struct {
	StableID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("message %s not found on server", e.StableID)
}

// PermissionError indicates the server refused an operation the
// connection is not allowed to perform. Triggers a revert and a
// user-visible message.
type PermissionError struct {
	Op     string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %s: %s", e.Op, e.Reason)
}

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetworkError reports whether err is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRejection reports whether err is an operation-specific rejection
// (not found or permission denied) rather than a connection failure.
func IsRejection(err error) bool {
	var nf *NotFoundError
	var pe *PermissionError
	return errors.As(err, &nf) || errors.As(err, &pe)
}

// classifyDialErr maps a dial/login failure to the error taxonomy.
// Credential rejections come back as typed server responses; everything
// reachable before authentication succeeds is either network or
// protocol trouble.
func classifyDialErr(op, account string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{Op: op, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "invalid credentials"),
		strings.Contains(msg, "login failed"),
		strings.Contains(msg, "authenticationfailed"):
		return &AuthError{Account: account, Message: err.Error()}
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "eof"):
		return &NetworkError{Op: op, Err: err}
	default:
		return &ProtocolError{Op: op, Err: err}
	}
}
