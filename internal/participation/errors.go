package participation

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned before any local change when the
	// caller has no session.
	ErrUnauthenticated = errors.New("sign in to do that")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflicting membership state")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("not allowed")

	// ErrViewClosed means the view the action came from is gone. Any write
	// already issued completes, its result is dropped.
	ErrViewClosed = errors.New("view closed")
)

// RemoteError is a failed or timed-out remote write. The optimistic change
// has been reverted by the time the caller sees it.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the write ran out of time rather than failing.
func (e *RemoteError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Message is the text shown next to the control that triggered the action.
func (e *RemoteError) Message() string {
	if e.Timeout() {
		return fmt.Sprintf("Could not %s: the server took too long. Please try again.", e.Op)
	}
	return fmt.Sprintf("Could not %s. Please try again.", e.Op)
}
