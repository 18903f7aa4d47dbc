package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNoActiveSession  = errors.New("no active session")
	ErrUploadInactive   = errors.New("upload mode is not active for this channel")
	ErrRetryNotAllowed  = errors.New("retry is only allowed after a failed upload")
	ErrNoUploadJob      = errors.New("no upload job for this channel")
	ErrSourceNotReady   = errors.New("frame source not ready")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// FaultKind decides how a failure is handled: retried by the next tick,
// surfaced to the user, or escalated as a session invalidation.
type FaultKind int

const (
	// FaultTransient is recovered by the next natural tick
	FaultTransient FaultKind = iota
	// FaultTerminal is surfaced to the user and never retried automatically
	FaultTerminal
	// FaultSessionInvalid means the server no longer knows the session
	FaultSessionInvalid
)

func (k FaultKind) String() string {
	switch k {
	case FaultTransient:
		return "transient"
	case FaultTerminal:
		return "terminal"
	case FaultSessionInvalid:
		return "session_invalid"
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Fault is the error type returned by remote operations
type Fault struct {
	Kind   FaultKind
	Op     string // remote operation, e.g. "submitFrame"
	Status int    // transport status code when known
	Err    error
}

func (f *Fault) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("%s: %s fault (status %d): %v", f.Op, f.Kind, f.Status, f.Err)
	}
	return fmt.Sprintf("%s: %s fault: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err with a kind and operation name
func NewFault(kind FaultKind, op string, status int, err error) *Fault {
	if kind == FaultSessionInvalid && !errors.Is(err, ErrSessionNotFound) {
		err = fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return &Fault{Kind: kind, Op: op, Status: status, Err: err}
}

// KindOf classifies any error. Errors that are not Faults are transient when
// they look like network trouble and terminal otherwise.
func KindOf(err error) FaultKind {
	if err == nil {
		return FaultTransient
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, ErrSessionNotFound) {
		return FaultSessionInvalid
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FaultTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FaultTransient
	}
	return FaultTerminal
}

// IsSessionInvalid reports whether err means the session is gone server-side
func IsSessionInvalid(err error) bool {
	return err != nil && KindOf(err) == FaultSessionInvalid
}
