// Package protocol defines the errors shared by the BLE link, the backend link and the session
// orchestrator.
package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies bridge errors by how they are recovered.
type Kind int

const (
	// KindTransport errors (peripheral lost, socket closed, HTTP failure) are recovered by the
	// reconnect loop and only surface to callers as a disconnected notification.
	KindTransport Kind = iota
	// KindDecode errors (malformed event frame, malformed handshake reply) are logged and dropped.
	KindDecode
	// KindSequence errors indicate caller misuse, such as using a session after it ended.
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindSequence:
		return "sequence"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the operation that triggered the Error might have reached
	// the backend or the adapter anyway. Writes without response and fire-and-forget REST calls
	// that time out fall in this category.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition, such as
	// the adapter moving out of range.
	Temporary() bool
}

var (
	// ErrNotConnected indicates the link has no open connection.
	ErrNotConnected = NewError(KindTransport, "link not connected", false, true)
	// ErrNotReady indicates a BLE write was attempted before characteristics were discovered.
	ErrNotReady = NewError(KindSequence, "adapter characteristics not discovered", false, false)
	// ErrSessionClosed indicates a session handle was used after its episode ended.
	ErrSessionClosed = NewError(KindSequence, "session closed", false, false)
	// ErrAlreadyStarted indicates Connect was called on an orchestrator that is already running.
	ErrAlreadyStarted = NewError(KindSequence, "session already started", false, false)
	// ErrBadHandshake indicates the backend's first reply could not be parsed as a challenge.
	ErrBadHandshake = NewError(KindDecode, "invalid handshake reply", false, false)
	// ErrBadEvent indicates an event-stream frame could not be decoded.
	ErrBadEvent = NewError(KindDecode, "invalid event frame", false, false)
	// ErrRateLimited indicates an outbound request was suppressed by a local rate limit.
	ErrRateLimited = NewError(KindTransport, "request rate limited", false, true)
	// ErrStopped indicates the orchestrator has been shut down.
	ErrStopped = errors.New("session orchestrator stopped")
)

// BridgeError is the concrete Error type used throughout the bridge.
type BridgeError struct {
	Kind              Kind
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(kind Kind, message string, mayHaveSucceeded bool, temporary bool) error {
	return &BridgeError{Kind: kind, Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

// TransportError wraps err as a temporary transport failure.
func TransportError(err error, mayHaveSucceeded bool) error {
	if err == nil {
		return nil
	}
	return &BridgeError{Kind: KindTransport, Err: err, PossibleSuccess: mayHaveSucceeded, PossibleTemporary: true}
}

// DecodeError wraps err as a decode failure.
func DecodeError(err error) error {
	if err == nil {
		return nil
	}
	return &BridgeError{Kind: KindDecode, Err: err}
}

func (e *BridgeError) Error() string {
	return e.Err.Error()
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

func (e *BridgeError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *BridgeError) Temporary() bool {
	return e.PossibleTemporary
}

// KindOf returns the Kind of err, defaulting to KindTransport for errors that did not originate in
// the bridge (socket and HTTP errors from the standard library).
func KindOf(err error) Kind {
	var bErr *BridgeError
	if errors.As(err, &bErr) {
		return bErr.Kind
	}
	return KindTransport
}

// MayHaveSucceeded returns true if err is an Error that indicates the operation may have been
// executed even though the caller did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var e Error
	if errors.As(err, &e) && e.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err is an Error that indicates the operation failed due to possibly
// transient conditions.
func Temporary(err error) bool {
	var e Error
	if errors.As(err, &e) && e.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the caller should retry the operation that triggered err.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}
