package imapx

import (
	"errors"
	"fmt"
)

// AuthError indicates that login was rejected by the server. It is fatal to
// the current session and handled by reconnect logic, never by retrying the
// message that happened to observe it.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// MessageNotFoundError indicates a fetch against a UID that no longer exists
// server-side (expunged or moved by another session). Callers treat it as
// already-handled rather than retrying indefinitely.
type MessageNotFoundError struct {
	Folder string
	UID    uint32
}

func (e *MessageNotFoundError) Error() string {
	return fmt.Sprintf("message uid %d not found in %s", e.UID, e.Folder)
}

// IsMessageNotFound reports whether err is a MessageNotFoundError.
func IsMessageNotFound(err error) bool {
	var nf *MessageNotFoundError
	return errors.As(err, &nf)
}

// OpError wraps a failed protocol operation with enough context to identify
// the operation and the mailbox it targeted.
type OpError struct {
	Op      string
	Mailbox string
	Err     error
}

func (e *OpError) Error() string {
	if e.Mailbox != "" {
		return fmt.Sprintf("imap %s %s: %v", e.Op, e.Mailbox, e.Err)
	}
	return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, mailbox string, err error) error {
	return &OpError{Op: op, Mailbox: mailbox, Err: err}
}
