package capture

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// SyntheticConfig configures a SyntheticProvider.
type SyntheticConfig struct {
	DisplayWidth   int
	DisplayHeight  int
	FrameRate      int
	SystemAudio    bool // Whether display capture can carry system audio
	DenyDisplay    bool
	DenyCamera     bool
	DenyMicrophone bool
}

// DefaultSyntheticConfig returns a 1080p display with system audio.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		DisplayWidth:  1920,
		DisplayHeight: 1080,
		FrameRate:     30,
		SystemAudio:   true,
	}
}

// SyntheticProvider is a DeviceProvider backed by test patterns and tones.
// It keeps track of every track it hands out so callers can verify release
// and simulate the platform ending a share.
type SyntheticProvider struct {
	mu       sync.Mutex
	config   SyntheticConfig
	cameras  []DeviceInfo
	mics     []DeviceInfo
	speakers []DeviceInfo
	opened   []MediaStreamTrack
	onChange func()
}

// NewSyntheticProvider creates a provider with one camera, one microphone
// and one speaker.
func NewSyntheticProvider(config SyntheticConfig) *SyntheticProvider {
	def := DefaultSyntheticConfig()
	if config.DisplayWidth <= 0 || config.DisplayHeight <= 0 {
		config.DisplayWidth, config.DisplayHeight = def.DisplayWidth, def.DisplayHeight
	}
	if config.FrameRate <= 0 {
		config.FrameRate = def.FrameRate
	}
	return &SyntheticProvider{
		config:   config,
		cameras:  []DeviceInfo{{DeviceID: "synthetic-camera-0", GroupID: "synthetic", Kind: DeviceKindVideoInput, Label: "Synthetic Camera"}},
		mics:     []DeviceInfo{{DeviceID: "synthetic-mic-0", GroupID: "synthetic", Kind: DeviceKindAudioInput, Label: "Synthetic Microphone"}},
		speakers: []DeviceInfo{{DeviceID: "synthetic-speaker-0", GroupID: "synthetic", Kind: DeviceKindAudioOutput, Label: "Synthetic Speaker"}},
	}
}

// Configure replaces the provider switches. Open tracks are not affected.
func (p *SyntheticProvider) Configure(fn func(*SyntheticConfig)) {
	p.mu.Lock()
	fn(&p.config)
	p.mu.Unlock()
}

// SetDeviceChangeHandler implements DeviceChangeSource.
func (p *SyntheticProvider) SetDeviceChangeHandler(handler func()) {
	p.mu.Lock()
	p.onChange = handler
	p.mu.Unlock()
}

// PlugDevice adds a device and reports a device change.
func (p *SyntheticProvider) PlugDevice(info DeviceInfo) {
	p.mu.Lock()
	switch info.Kind {
	case DeviceKindVideoInput:
		p.cameras = append(p.cameras, info)
	case DeviceKindAudioInput:
		p.mics = append(p.mics, info)
	default:
		p.speakers = append(p.speakers, info)
	}
	cb := p.onChange
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// UnplugDevice removes a device, ends the live tracks opened from it and
// reports a device change.
func (p *SyntheticProvider) UnplugDevice(deviceID string) {
	match := func(d DeviceInfo) bool { return d.DeviceID == deviceID }
	p.mu.Lock()
	p.cameras = slices.DeleteFunc(p.cameras, match)
	p.mics = slices.DeleteFunc(p.mics, match)
	p.speakers = slices.DeleteFunc(p.speakers, match)
	cb := p.onChange
	p.mu.Unlock()

	p.endLive(func(t MediaStreamTrack) bool { return deviceID != "" && trackDeviceID(t) == deviceID })
	if cb != nil {
		cb()
	}
}

func trackDeviceID(t MediaStreamTrack) string {
	switch tt := t.(type) {
	case VideoTrack:
		return tt.Settings().DeviceID
	case AudioTrack:
		return tt.Settings().DeviceID
	}
	return ""
}

// endLive ends every live handed-out track accepted by match, as the
// platform would, and returns how many were ended.
func (p *SyntheticProvider) endLive(match func(MediaStreamTrack) bool) int {
	p.mu.Lock()
	var targets []interface{ End() }
	for _, t := range p.opened {
		if e, ok := t.(interface{ End() }); ok && t.State() == TrackStateLive && match(t) {
			targets = append(targets, e)
		}
	}
	p.mu.Unlock()
	for _, t := range targets {
		t.End()
	}
	return len(targets)
}

func (p *SyntheticProvider) list(devices []DeviceInfo) []DeviceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(devices)
}

// ListVideoDevices implements DeviceProvider.
func (p *SyntheticProvider) ListVideoDevices(ctx context.Context) ([]DeviceInfo, error) {
	return p.list(p.cameras), nil
}

// ListAudioInputDevices implements DeviceProvider.
func (p *SyntheticProvider) ListAudioInputDevices(ctx context.Context) ([]DeviceInfo, error) {
	return p.list(p.mics), nil
}

// ListAudioOutputDevices implements DeviceProvider.
func (p *SyntheticProvider) ListAudioOutputDevices(ctx context.Context) ([]DeviceInfo, error) {
	return p.list(p.speakers), nil
}

func (p *SyntheticProvider) find(devices []DeviceInfo, id string) (DeviceInfo, bool) {
	for _, d := range devices {
		if d.DeviceID == id {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

func (p *SyntheticProvider) track(t MediaStreamTrack) {
	p.mu.Lock()
	p.opened = append(p.opened, t)
	p.mu.Unlock()
}

// OpenVideoDevice implements DeviceProvider.
func (p *SyntheticProvider) OpenVideoDevice(ctx context.Context, deviceID string, constraints *VideoConstraints) (VideoTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	deny := p.config.DenyCamera
	info, ok := p.find(p.cameras, deviceID)
	fps := p.config.FrameRate
	p.mu.Unlock()
	if deny {
		return nil, ErrPermissionDenied
	}
	if !ok {
		return nil, fmt.Errorf("camera %q: %w", deviceID, ErrDeviceNotFound)
	}

	cfg := TestPatternConfig{Width: 640, Height: 480, FPS: fps, Pattern: PatternMovingBox, Label: info.Label, DeviceID: info.DeviceID}
	if constraints != nil {
		if constraints.Width > 0 && constraints.Height > 0 {
			cfg.Width, cfg.Height = constraints.Width, constraints.Height
		}
		if constraints.FrameRate > 0 {
			cfg.FPS = constraints.FrameRate
		}
	}
	t := NewTestPatternTrack(cfg)
	p.track(t)
	return t, nil
}

// OpenAudioDevice implements DeviceProvider.
func (p *SyntheticProvider) OpenAudioDevice(ctx context.Context, deviceID string, constraints *AudioConstraints) (AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	deny := p.config.DenyMicrophone
	info, ok := p.find(p.mics, deviceID)
	p.mu.Unlock()
	if deny {
		return nil, ErrPermissionDenied
	}
	if !ok {
		return nil, fmt.Errorf("microphone %q: %w", deviceID, ErrDeviceNotFound)
	}

	cfg := ToneConfig{SampleRate: 48000, Channels: 1, Pattern: AudioPatternSineWave, Frequency: 440, Label: info.Label, DeviceID: info.DeviceID}
	if constraints != nil {
		if constraints.SampleRate > 0 {
			cfg.SampleRate = constraints.SampleRate
		}
		if constraints.ChannelCount > 0 {
			cfg.Channels = constraints.ChannelCount
		}
	}
	t := NewToneTrack(cfg)
	p.track(t)
	return t, nil
}

// CaptureDisplay implements DeviceProvider.
func (p *SyntheticProvider) CaptureDisplay(ctx context.Context, options DisplayVideoOptions) (VideoTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	cfg := p.config
	p.mu.Unlock()
	if cfg.DenyDisplay {
		return nil, ErrPermissionDenied
	}

	fps := cfg.FrameRate
	if options.FrameRate > 0 {
		fps = options.FrameRate
	}
	t := NewTestPatternTrack(TestPatternConfig{
		Width:    cfg.DisplayWidth,
		Height:   cfg.DisplayHeight,
		FPS:      fps,
		Pattern:  PatternColorBars,
		Label:    "Synthetic Display",
		DeviceID: "synthetic-display-0",
	})
	p.track(t)
	return t, nil
}

// CaptureDisplayAudio implements DeviceProvider.
func (p *SyntheticProvider) CaptureDisplayAudio(ctx context.Context) (AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	enabled := p.config.SystemAudio
	p.mu.Unlock()
	if !enabled {
		return nil, fmt.Errorf("system audio: %w", ErrDeviceNotFound)
	}

	t := NewToneTrack(ToneConfig{
		SampleRate: 44100,
		Channels:   2,
		Pattern:    AudioPatternSweep,
		Amplitude:  0.3,
		Label:      "Synthetic System Audio",
	})
	p.track(t)
	return t, nil
}

// LiveTracks returns the number of handed-out tracks still live.
func (p *SyntheticProvider) LiveTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.opened {
		if t.State() == TrackStateLive {
			n++
		}
	}
	return n
}

// EndDisplay simulates the user stopping the display share from the
// platform UI. It reports whether a live display track was ended.
func (p *SyntheticProvider) EndDisplay() bool {
	return p.endLive(func(t MediaStreamTrack) bool {
		v, ok := t.(VideoTrack)
		return ok && v.Settings().DeviceID == "synthetic-display-0"
	}) > 0
}
