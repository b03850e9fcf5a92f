package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrAcquisitionUnsatisfiable is returned when a grant does not carry a
	// modality that was explicitly requested (system audio on a display share).
	ErrAcquisitionUnsatisfiable = errors.New("requested audio source was not shared")

	// ErrEncoderFault wraps failures reported by the recorder.
	ErrEncoderFault = errors.New("encoder fault")

	// ErrExternalRevocation is reported when the platform ends the display
	// share before any media was recorded.
	ErrExternalRevocation = errors.New("screen sharing ended before anything was recorded")

	// ErrBusy is returned for actions issued while devices are being acquired.
	ErrBusy = errors.New("session is acquiring devices")

	// ErrSessionActive is returned by Start when a session is already running
	// or still holds resources.
	ErrSessionActive = errors.New("session already active")

	// ErrNoArtifact is returned by Download when nothing has been recorded.
	ErrNoArtifact = errors.New("no recording available")

	// ErrSessionClosed is returned by every action after Close.
	ErrSessionClosed = errors.New("session closed")
)

// SourceKind identifies which capture source a DeviceStream came from.
type SourceKind int

const (
	SourceDisplay SourceKind = iota
	SourceCamera
	SourceMicrophone
)

func (k SourceKind) String() string {
	switch k {
	case SourceDisplay:
		return "display"
	case SourceCamera:
		return "camera"
	case SourceMicrophone:
		return "microphone"
	default:
		return "unknown"
	}
}

// AcquisitionErrorKind classifies why a platform request failed.
type AcquisitionErrorKind int

const (
	AcquisitionOther AcquisitionErrorKind = iota
	AcquisitionPermissionDenied
	AcquisitionNotFound
)

func (k AcquisitionErrorKind) String() string {
	switch k {
	case AcquisitionPermissionDenied:
		return "permission denied"
	case AcquisitionNotFound:
		return "not found"
	default:
		return "failed"
	}
}

// AcquisitionError reports a failed platform media request. It is recoverable:
// the session returns to Idle and the user may retry.
type AcquisitionError struct {
	Source SourceKind
	Kind   AcquisitionErrorKind
	Err    error
}

func newAcquisitionError(source SourceKind, err error) *AcquisitionError {
	kind := AcquisitionOther
	switch {
	case errors.Is(err, ErrPermissionDenied):
		kind = AcquisitionPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		kind = AcquisitionNotFound
	}
	return &AcquisitionError{Source: source, Kind: kind, Err: err}
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s access %s: %v", e.Source, e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
