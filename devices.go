package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Provider failures are reported through these sentinels so callers can
// classify them with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrNoProvider       = errors.New("no device provider configured")
)

// DeviceError reports which device of a GetUserMedia request failed.
type DeviceError struct {
	Kind     DeviceKind
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("open %s %q: %v", e.Kind, e.DeviceID, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// DeviceKind represents the type of media device.
type DeviceKind int

const (
	DeviceKindVideoInput  DeviceKind = iota // Camera
	DeviceKindAudioInput                    // Microphone
	DeviceKindAudioOutput                   // Speaker/headphones
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindVideoInput:
		return "videoinput"
	case DeviceKindAudioInput:
		return "audioinput"
	case DeviceKindAudioOutput:
		return "audiooutput"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a media device (like browser's MediaDeviceInfo).
type DeviceInfo struct {
	DeviceID string     `json:"deviceId"`
	GroupID  string     `json:"groupId"`
	Kind     DeviceKind `json:"-"`
	Label    string     `json:"label"`
}

// DisplayMediaOptions configures GetDisplayMedia (screen capture).
type DisplayMediaOptions struct {
	Video DisplayVideoOptions
	Audio bool // Request system audio from the display
}

// DisplayVideoOptions configures display capture video.
type DisplayVideoOptions struct {
	DisplaySurface string // "monitor", "window", "browser"
	Cursor         string // "always", "motion", "never"
	Width          int
	Height         int
	FrameRate      int
}

// UserMediaOptions configures GetUserMedia. A nil constraint disables the modality.
type UserMediaOptions struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// VideoConstraints for GetUserMedia video.
type VideoConstraints struct {
	DeviceID   string // Empty selects the default device
	Width      int
	Height     int
	FrameRate  int
	FacingMode string // "user" or "environment"
}

// AudioConstraints for GetUserMedia audio.
type AudioConstraints struct {
	DeviceID         string // Empty selects the default device
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// MediaDevices provides access to media input devices (like navigator.mediaDevices).
type MediaDevices interface {
	// EnumerateDevices returns a list of available media devices.
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)

	// GetUserMedia prompts for permission and returns a MediaStream with
	// the requested camera and/or microphone tracks.
	GetUserMedia(ctx context.Context, options UserMediaOptions) (MediaStream, error)

	// GetDisplayMedia prompts for permission and returns a MediaStream with
	// screen/window capture.
	GetDisplayMedia(ctx context.Context, options DisplayMediaOptions) (MediaStream, error)

	// OnDeviceChange registers a callback for device connection/disconnection events.
	OnDeviceChange(callback func()) *Subscription
}

// DeviceProvider is implemented by platform-specific device implementations.
type DeviceProvider interface {
	ListVideoDevices(ctx context.Context) ([]DeviceInfo, error)
	ListAudioInputDevices(ctx context.Context) ([]DeviceInfo, error)
	ListAudioOutputDevices(ctx context.Context) ([]DeviceInfo, error)

	OpenVideoDevice(ctx context.Context, deviceID string, constraints *VideoConstraints) (VideoTrack, error)
	OpenAudioDevice(ctx context.Context, deviceID string, constraints *AudioConstraints) (AudioTrack, error)

	// CaptureDisplay captures the screen/window.
	CaptureDisplay(ctx context.Context, options DisplayVideoOptions) (VideoTrack, error)

	// CaptureDisplayAudio captures system audio alongside the display.
	CaptureDisplayAudio(ctx context.Context) (AudioTrack, error)
}

// DeviceChangeSource is implemented by providers that can report hot-plug events.
type DeviceChangeSource interface {
	SetDeviceChangeHandler(handler func())
}

// DefaultMediaDevices is the default MediaDevices implementation over a DeviceProvider.
type DefaultMediaDevices struct {
	provider DeviceProvider
	logger   *zap.Logger
	changes  listeners[struct{}]
}

// NewMediaDevices creates a MediaDevices backed by provider.
func NewMediaDevices(provider DeviceProvider, logger *zap.Logger) *DefaultMediaDevices {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DefaultMediaDevices{provider: provider, logger: logger}
	if src, ok := provider.(DeviceChangeSource); ok {
		src.SetDeviceChangeHandler(d.NotifyDeviceChange)
	}
	return d
}

// EnumerateDevices implements MediaDevices. Lists that fail are skipped.
func (d *DefaultMediaDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	if d.provider == nil {
		return nil, ErrNoProvider
	}

	var devices []DeviceInfo
	for _, list := range []func(context.Context) ([]DeviceInfo, error){
		d.provider.ListVideoDevices,
		d.provider.ListAudioInputDevices,
		d.provider.ListAudioOutputDevices,
	} {
		found, err := list(ctx)
		if err != nil {
			d.logger.Debug("device listing failed", zap.Error(err))
			continue
		}
		devices = append(devices, found...)
	}
	return devices, nil
}

// GetUserMedia implements MediaDevices. If the audio device fails after the
// video device was opened, the video track is stopped before returning.
func (d *DefaultMediaDevices) GetUserMedia(ctx context.Context, options UserMediaOptions) (MediaStream, error) {
	if d.provider == nil {
		return nil, ErrNoProvider
	}
	if options.Video == nil && options.Audio == nil {
		return nil, fmt.Errorf("getUserMedia: at least one of audio or video must be requested")
	}

	stream := NewMediaStream()

	if options.Video != nil {
		deviceID, err := defaultDevice(ctx, options.Video.DeviceID, d.provider.ListVideoDevices)
		if err != nil {
			return nil, &DeviceError{Kind: DeviceKindVideoInput, Err: err}
		}
		videoTrack, err := d.provider.OpenVideoDevice(ctx, deviceID, options.Video)
		if err != nil {
			return nil, &DeviceError{Kind: DeviceKindVideoInput, DeviceID: deviceID, Err: err}
		}
		stream.AddTrack(videoTrack)
	}

	if options.Audio != nil {
		deviceID, err := defaultDevice(ctx, options.Audio.DeviceID, d.provider.ListAudioInputDevices)
		if err != nil {
			stream.Close()
			return nil, &DeviceError{Kind: DeviceKindAudioInput, Err: err}
		}
		audioTrack, err := d.provider.OpenAudioDevice(ctx, deviceID, options.Audio)
		if err != nil {
			stream.Close()
			return nil, &DeviceError{Kind: DeviceKindAudioInput, DeviceID: deviceID, Err: err}
		}
		stream.AddTrack(audioTrack)
	}

	return stream, nil
}

func defaultDevice(ctx context.Context, id string, list func(context.Context) ([]DeviceInfo, error)) (string, error) {
	if id != "" {
		return id, nil
	}
	devices, err := list(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", ErrDeviceNotFound
	}
	return devices[0].DeviceID, nil
}

// GetDisplayMedia implements MediaDevices. Display audio that cannot be
// captured is left out of the stream rather than failing the request.
func (d *DefaultMediaDevices) GetDisplayMedia(ctx context.Context, options DisplayMediaOptions) (MediaStream, error) {
	if d.provider == nil {
		return nil, ErrNoProvider
	}

	videoTrack, err := d.provider.CaptureDisplay(ctx, options.Video)
	if err != nil {
		return nil, fmt.Errorf("capture display: %w", err)
	}
	stream := NewMediaStream(videoTrack)

	if options.Audio {
		audioTrack, err := d.provider.CaptureDisplayAudio(ctx)
		if err != nil {
			d.logger.Info("display audio unavailable", zap.Error(err))
		} else {
			stream.AddTrack(audioTrack)
		}
	}

	return stream, nil
}

// OnDeviceChange implements MediaDevices.
func (d *DefaultMediaDevices) OnDeviceChange(callback func()) *Subscription {
	return d.changes.add(func(struct{}) { callback() })
}

// NotifyDeviceChange should be called by the DeviceProvider when devices change.
func (d *DefaultMediaDevices) NotifyDeviceChange() {
	for _, cb := range d.changes.snapshot() {
		go cb(struct{}{})
	}
}
