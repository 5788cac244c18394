// Package errkind defines the three buckets the membership coordinator's
// retry loop understands and the wrappers that tag an error with one. The
// mapping from github.com/twmb/kafka-go/pkg/kerr's static error table onto
// these buckets lives in package coordinator's classify, instead of a
// hand-derived module-level {errno -> class} registry (see DESIGN.md,
// "Open Questions resolved").
package errkind

import (
	"errors"
	"fmt"
)

// Kind is how an error should be handled by the join/rejoin loop.
type Kind int

const (
	// Retriable errors are slept on (retry_backoff_ms) and retried.
	Retriable Kind = iota
	// Immediate errors signal the broker demanded a handshake restart
	// (UnknownMemberId, RebalanceInProgress, IllegalGeneration); the
	// loop retries at once, with no backoff.
	Immediate
	// Fatal errors are raised to the caller of EnsureActiveGroup.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Retriable:
		return "retriable"
	case Immediate:
		return "immediate"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying broker or transport error with the kind of
// handling it demands, and optionally the group id it concerns.
type Error struct {
	Kind    Kind
	Err     error
	GroupID string
}

func (e *Error) Error() string {
	if e.GroupID != "" {
		return fmt.Sprintf("group %s: %v", e.GroupID, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// WithRetriable wraps err for the default retry-with-backoff path.
func WithRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Retriable, Err: err}
}

// WithImmediate wraps err for the no-backoff immediate-rejoin path.
func WithImmediate(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Immediate, Err: err}
}

// WithFatal wraps err, naming the group it concerns, for surfacing to the
// caller of EnsureActiveGroup.
func WithFatal(err error, groupID string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Fatal, Err: err, GroupID: groupID}
}

// KindOf reports the handling Kind for err. Errors not produced by this
// package (e.g. a raw context error surfacing from a transport call) are
// treated as Retriable: the default-to-retry posture for anything that
// isn't explicitly classified otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Retriable
}
