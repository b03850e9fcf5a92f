package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DeviceStream is a set of tracks granted for one capture source.
type DeviceStream struct {
	Kind SourceKind

	stream  MediaStream
	revoked atomic.Bool
	once    sync.Once
	subs    []*Subscription
}

func newDeviceStream(kind SourceKind, stream MediaStream) *DeviceStream {
	ds := &DeviceStream{Kind: kind, stream: stream}
	for _, t := range stream.GetTracks() {
		ds.subs = append(ds.subs, t.OnEnded(func() { ds.revoked.Store(true) }))
	}
	return ds
}

// Stream returns the underlying media stream.
func (d *DeviceStream) Stream() MediaStream { return d.stream }

// VideoTrack returns the first video track, or nil.
func (d *DeviceStream) VideoTrack() VideoTrack {
	if tracks := d.stream.GetVideoTracks(); len(tracks) > 0 {
		return tracks[0]
	}
	return nil
}

// AudioTracks returns the audio tracks of the stream.
func (d *DeviceStream) AudioTracks() []AudioTrack { return d.stream.GetAudioTracks() }

// Revoked reports whether the platform ended any track of this stream.
func (d *DeviceStream) Revoked() bool { return d.revoked.Load() }

// Release stops every track. It is safe to call more than once.
func (d *DeviceStream) Release() error {
	var err error
	d.once.Do(func() {
		for _, s := range d.subs {
			s.Unsubscribe()
		}
		err = d.stream.Close()
	})
	return err
}

// DisplayRequest describes a display capture request.
type DisplayRequest struct {
	SystemAudio bool
}

// UserMediaRequest describes one combined camera/microphone request.
// Device IDs are ignored for disabled modalities; empty IDs pick the default.
type UserMediaRequest struct {
	Camera             bool
	Microphone         bool
	CameraDeviceID     string
	MicrophoneDeviceID string
	Width              int
	Height             int
}

// Acquirer turns platform grants into DeviceStreams.
type Acquirer struct {
	devices MediaDevices
	logger  *zap.Logger
}

// NewAcquirer creates an Acquirer over devices.
func NewAcquirer(devices MediaDevices, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{devices: devices, logger: logger}
}

// AcquireDisplay requests a display surface. When SystemAudio is requested the
// grant must carry at least one audio track; otherwise it is released and
// ErrAcquisitionUnsatisfiable is returned.
func (a *Acquirer) AcquireDisplay(ctx context.Context, req DisplayRequest) (*DeviceStream, error) {
	stream, err := a.devices.GetDisplayMedia(ctx, DisplayMediaOptions{
		Video: DisplayVideoOptions{DisplaySurface: "monitor", Cursor: "always"},
		Audio: req.SystemAudio,
	})
	if err != nil {
		return nil, newAcquisitionError(SourceDisplay, err)
	}
	if len(stream.GetVideoTracks()) == 0 {
		stream.Close()
		return nil, newAcquisitionError(SourceDisplay, errors.New("grant carries no video track"))
	}
	if req.SystemAudio && len(stream.GetAudioTracks()) == 0 {
		stream.Close()
		a.logger.Warn("display grant without system audio")
		return nil, ErrAcquisitionUnsatisfiable
	}
	return newDeviceStream(SourceDisplay, stream), nil
}

// AcquireUserMedia issues one combined request for the enabled modalities and
// splits the grant into a camera stream and a microphone stream. Either
// result is nil when its modality was not requested.
func (a *Acquirer) AcquireUserMedia(ctx context.Context, req UserMediaRequest) (camera, mic *DeviceStream, err error) {
	if !req.Camera && !req.Microphone {
		return nil, nil, nil
	}

	var opts UserMediaOptions
	if req.Camera {
		opts.Video = &VideoConstraints{
			DeviceID:   req.CameraDeviceID,
			Width:      req.Width,
			Height:     req.Height,
			FacingMode: "user",
		}
	}
	if req.Microphone {
		opts.Audio = &AudioConstraints{
			DeviceID:         req.MicrophoneDeviceID,
			EchoCancellation: true,
			NoiseSuppression: true,
		}
	}

	stream, err := a.devices.GetUserMedia(ctx, opts)
	if err != nil {
		source := SourceMicrophone
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			if devErr.Kind == DeviceKindVideoInput {
				source = SourceCamera
			}
		} else if req.Camera {
			source = SourceCamera
		}
		return nil, nil, newAcquisitionError(source, err)
	}

	if req.Camera {
		if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
			camera = newDeviceStream(SourceCamera, NewMediaStream(tracks[0]))
		}
	}
	if req.Microphone {
		if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
			mic = newDeviceStream(SourceMicrophone, NewMediaStream(tracks[0]))
		}
	}
	return camera, mic, nil
}
