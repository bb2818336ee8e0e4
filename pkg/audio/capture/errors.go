package capture

import (
	"errors"
	"strings"
)

// Kind distinguishes microphone start failures that need different user
// remediation.
type Kind int

const (
	Unknown Kind = iota
	PermissionDenied
	NotFound
	Busy
)

// String returns a short lowercase identifier.
func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case NotFound:
		return "not found"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Hint returns the user-facing remediation text for k.
func (k Kind) Hint() string {
	switch k {
	case PermissionDenied:
		return "Microphone permission was denied. Please allow microphone access in your system settings and try again."
	case NotFound:
		return "No microphone was found. Please connect a microphone and try again."
	case Busy:
		return "Your microphone is already in use by another application. Please close other apps using the microphone."
	default:
		return "Failed to access microphone. Voice input is unavailable, text chat still works."
	}
}

// DeviceError is returned by [Pipeline.Start] when the microphone could not be
// opened. Use [errors.As] to recover it.
type DeviceError struct {
	Kind Kind
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return "capture: microphone " + e.Kind.String()
	}
	return "capture: microphone " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Sentinel errors a [Source] may return (optionally wrapped) to report a
// failure kind without relying on message matching.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceBusy       = errors.New("device busy")
)

// ClassifyDeviceError maps a device open failure to a [DeviceError]. Sentinel
// errors are checked first; otherwise the backend message is matched against
// the wording audio backends commonly use. A nil err yields nil.
func ClassifyDeviceError(err error) *DeviceError {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &DeviceError{Kind: PermissionDenied, Err: err}
	case errors.Is(err, ErrDeviceNotFound):
		return &DeviceError{Kind: NotFound, Err: err}
	case errors.Is(err, ErrDeviceBusy):
		return &DeviceError{Kind: Busy, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "access denied", "permission", "not allowed"):
		return &DeviceError{Kind: PermissionDenied, Err: err}
	case containsAny(msg, "no device", "does not exist", "not found"):
		return &DeviceError{Kind: NotFound, Err: err}
	case containsAny(msg, "busy", "in use", "already open"):
		return &DeviceError{Kind: Busy, Err: err}
	default:
		return &DeviceError{Kind: Unknown, Err: err}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
