// Package mcuerr defines the stable, machine-readable error taxonomy surfaced
// to callers of the bridge. Every failure leaving this module carries a Kind
// that UI layers can branch on, plus a human-readable message for diagnostics.
package mcuerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the machine-readable error category.
type Kind string

const (
	KindDuplicateSession      Kind = "DUPLICATE_SESSION"
	KindSessionNotFound       Kind = "SESSION_NOT_FOUND"
	KindSessionAlreadyRunning Kind = "SESSION_ALREADY_RUNNING"
	KindTransportUnavailable  Kind = "TRANSPORT_UNAVAILABLE"

	KindImageResolution       Kind = "IMAGE_RESOLUTION"
	KindInvalidImage          Kind = "INVALID_IMAGE"
	KindManifestNotFound      Kind = "MANIFEST_NOT_FOUND"
	KindManifestImageNotFound Kind = "MANIFEST_IMAGE_NOT_FOUND"

	KindDeviceDisconnected Kind = "DEVICE_DISCONNECTED"
	KindBluetoothDisabled  Kind = "BLUETOOTH_DISABLED"
	KindUnsupportedDevice  Kind = "UNSUPPORTED_DEVICE"
	KindInsufficientMTU    Kind = "INSUFFICIENT_MTU"
	KindProtocol           Kind = "PROTOCOL"
	KindTimeout            Kind = "TIMEOUT"

	KindCancelled    Kind = "UPGRADE_CANCELLED"
	KindUnclassified Kind = "UNCLASSIFIED_UPGRADE_ERROR"
)

// Sentinel causes an engine or transport implementation can return directly.
// Classify maps them onto the matching Kind.
var (
	ErrDisconnected      = errors.New("device disconnected")
	ErrBluetoothDisabled = errors.New("bluetooth disabled")
	ErrNotSupported      = errors.New("device not supported")
	ErrInsufficientMTU   = errors.New("insufficient MTU")
	ErrProtocol          = errors.New("management protocol error")
	ErrTimeout           = errors.New("request timed out")
)

// Error is a classified failure. It wraps the original cause so callers can
// still reach it with errors.Is/errors.As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around cause. A nil cause yields nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err, or KindUnclassified if err carries none.
// A nil err returns the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnclassified
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Classify maps an arbitrary failure cause onto the taxonomy. It never panics
// and never returns nil for a non-nil cause: causes matching no known pattern
// become KindUnclassified with the original message retained.
func Classify(cause error) *Error {
	if cause == nil {
		return nil
	}

	var ce *Error
	if errors.As(cause, &ce) {
		return ce
	}

	switch {
	case errors.Is(cause, ErrDisconnected):
		return Wrap(KindDeviceDisconnected, "device disconnected", cause)
	case errors.Is(cause, ErrBluetoothDisabled):
		return Wrap(KindBluetoothDisabled, "bluetooth disabled", cause)
	case errors.Is(cause, ErrNotSupported):
		return Wrap(KindUnsupportedDevice, "device not supported by the management protocol", cause)
	case errors.Is(cause, ErrInsufficientMTU):
		return Wrap(KindInsufficientMTU, "negotiated MTU too small for transfer", cause)
	case errors.Is(cause, ErrProtocol):
		return Wrap(KindProtocol, "management protocol error", cause)
	case errors.Is(cause, ErrTimeout), errors.Is(cause, context.DeadlineExceeded):
		return Wrap(KindTimeout, "request timed out", cause)
	case errors.Is(cause, context.Canceled):
		return Wrap(KindCancelled, "upgrade cancelled", cause)
	}

	// Last resort: match on message text, the way vendor exceptions arrive
	// from engines that do not use the sentinel causes.
	msg := strings.ToLower(cause.Error())
	switch {
	case strings.Contains(msg, "disconnect"):
		return Wrap(KindDeviceDisconnected, "device disconnected", cause)
	case strings.Contains(msg, "bluetooth") && (strings.Contains(msg, "disabled") || strings.Contains(msg, "off")):
		return Wrap(KindBluetoothDisabled, "bluetooth disabled", cause)
	case strings.Contains(msg, "not supported"):
		return Wrap(KindUnsupportedDevice, "device not supported by the management protocol", cause)
	case strings.Contains(msg, "mtu"):
		return Wrap(KindInsufficientMTU, "negotiated MTU too small for transfer", cause)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Wrap(KindTimeout, "request timed out", cause)
	}

	return Wrap(KindUnclassified, cause.Error(), cause)
}
