package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// TrackKind re-exports pion's RTPCodecType so tracks can be handed to
// pion-based consumers without conversion.
type TrackKind = webrtc.RTPCodecType

const (
	TrackKindUnknown = webrtc.RTPCodecTypeUnknown
	TrackKindAudio   = webrtc.RTPCodecTypeAudio
	TrackKindVideo   = webrtc.RTPCodecTypeVideo
)

// ErrTrackEnded is returned by reads on a track that was stopped or ended.
var ErrTrackEnded = errors.New("track ended")

// TrackState represents the state of a track.
type TrackState int32

const (
	TrackStateLive  TrackState = iota // Track is producing media
	TrackStateEnded                   // Track was stopped locally or ended by the platform
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MediaStreamTrack represents a single audio or video track.
// This is similar to the browser's MediaStreamTrack interface: Close is the
// local stop() and never fires OnEnded; only platform-side termination does.
type MediaStreamTrack interface {
	io.Closer

	// ID returns the unique identifier for this track.
	ID() string

	// Kind returns the track kind (audio or video).
	Kind() TrackKind

	// Label returns a human-readable label for the track source.
	Label() string

	// State returns the current track state.
	State() TrackState

	// Done is closed once the track is no longer live.
	Done() <-chan struct{}

	// OnEnded registers a callback fired once when the platform ends the track.
	OnEnded(callback func()) *Subscription
}

// VideoTrack is a MediaStreamTrack that produces video frames.
type VideoTrack interface {
	MediaStreamTrack

	// ReadFrame blocks until the next frame is available.
	ReadFrame(ctx context.Context) (*VideoFrame, error)

	// Settings returns the actual video settings.
	Settings() VideoTrackSettings
}

// VideoTrackSettings describes the actual video track settings.
// Zero values mean the platform did not report the setting.
type VideoTrackSettings struct {
	Width     int
	Height    int
	FrameRate int
	DeviceID  string
}

// AudioTrack is a MediaStreamTrack that produces audio samples.
type AudioTrack interface {
	MediaStreamTrack

	// ReadSamples blocks until the next block of samples is available.
	ReadSamples(ctx context.Context) (*AudioSamples, error)

	// Settings returns the actual audio settings.
	Settings() AudioTrackSettings
}

// AudioTrackSettings describes the actual audio track settings.
type AudioTrackSettings struct {
	SampleRate   int
	ChannelCount int
	DeviceID     string
}

// MediaStream is a collection of tracks (like browser's MediaStream).
type MediaStream interface {
	io.Closer

	// ID returns the unique identifier for this stream.
	ID() string

	// Active returns whether any track in the stream is live.
	Active() bool

	// GetTracks returns all tracks in the stream.
	GetTracks() []MediaStreamTrack

	// GetVideoTracks returns all video tracks.
	GetVideoTracks() []VideoTrack

	// GetAudioTracks returns all audio tracks.
	GetAudioTracks() []AudioTrack

	// AddTrack adds a track to the stream.
	AddTrack(track MediaStreamTrack)

	// RemoveTrack removes a track from the stream.
	RemoveTrack(track MediaStreamTrack)
}

// BaseTrack provides common functionality for tracks.
type BaseTrack struct {
	id    string
	label string
	kind  TrackKind
	state atomic.Int32

	done     chan struct{}
	doneOnce sync.Once
	ended    listeners[struct{}]
}

// NewBaseTrack creates a new live base track. An empty id gets a random one.
func NewBaseTrack(id, label string, kind TrackKind) *BaseTrack {
	if id == "" {
		id = uuid.NewString()
	}
	t := &BaseTrack{
		id:    id,
		label: label,
		kind:  kind,
		done:  make(chan struct{}),
	}
	t.state.Store(int32(TrackStateLive))
	return t
}

func (t *BaseTrack) ID() string            { return t.id }
func (t *BaseTrack) Kind() TrackKind       { return t.kind }
func (t *BaseTrack) Label() string         { return t.label }
func (t *BaseTrack) State() TrackState     { return TrackState(t.state.Load()) }
func (t *BaseTrack) Done() <-chan struct{} { return t.done }

// OnEnded registers an ended callback. Callbacks run on their own goroutine.
func (t *BaseTrack) OnEnded(callback func()) *Subscription {
	return t.ended.add(func(struct{}) { callback() })
}

// Close stops the track locally. Ended callbacks are not fired.
func (t *BaseTrack) Close() error {
	t.finish()
	return nil
}

// End marks the track as ended by the platform (permission revoked, device
// unplugged, display share stopped) and fires the ended callbacks once.
func (t *BaseTrack) End() {
	if !t.finish() {
		return
	}
	for _, cb := range t.ended.snapshot() {
		go cb(struct{}{})
	}
}

func (t *BaseTrack) finish() bool {
	first := false
	t.doneOnce.Do(func() {
		first = true
		t.state.Store(int32(TrackStateEnded))
		close(t.done)
	})
	return first
}

// LocalVideoTrack is a video track fed by WriteFrame. Only the latest frame
// is kept: a slow reader sees dropped frames, never a backlog.
type LocalVideoTrack struct {
	*BaseTrack
	settings VideoTrackSettings
	frames   chan *VideoFrame
	writeMu  sync.Mutex
}

// NewLocalVideoTrack creates a pushable video track.
func NewLocalVideoTrack(label string, settings VideoTrackSettings) *LocalVideoTrack {
	return &LocalVideoTrack{
		BaseTrack: NewBaseTrack("", label, TrackKindVideo),
		settings:  settings,
		frames:    make(chan *VideoFrame, 1),
	}
}

// WriteFrame publishes a frame, replacing any frame not yet read.
func (t *LocalVideoTrack) WriteFrame(frame *VideoFrame) error {
	if t.State() != TrackStateLive {
		return ErrTrackEnded
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.frames:
	default:
	}
	t.frames <- frame
	return nil
}

// ReadFrame implements VideoTrack.
func (t *LocalVideoTrack) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTrackEnded
	case frame := <-t.frames:
		return frame, nil
	}
}

// Settings implements VideoTrack.
func (t *LocalVideoTrack) Settings() VideoTrackSettings { return t.settings }

// LocalAudioTrack is an audio track fed by WriteSamples. Up to capacity
// blocks are buffered; when full the oldest block is discarded.
type LocalAudioTrack struct {
	*BaseTrack
	settings AudioTrackSettings
	samples  chan *AudioSamples
	writeMu  sync.Mutex
}

// NewLocalAudioTrack creates a pushable audio track buffering up to capacity blocks.
func NewLocalAudioTrack(label string, settings AudioTrackSettings, capacity int) *LocalAudioTrack {
	if capacity <= 0 {
		capacity = 50
	}
	return &LocalAudioTrack{
		BaseTrack: NewBaseTrack("", label, TrackKindAudio),
		settings:  settings,
		samples:   make(chan *AudioSamples, capacity),
	}
}

// WriteSamples publishes a block of samples.
func (t *LocalAudioTrack) WriteSamples(s *AudioSamples) error {
	if t.State() != TrackStateLive {
		return ErrTrackEnded
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for {
		select {
		case t.samples <- s:
			return nil
		default:
		}
		select {
		case <-t.samples:
		default:
		}
	}
}

// ReadSamples implements AudioTrack.
func (t *LocalAudioTrack) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTrackEnded
	case s := <-t.samples:
		return s, nil
	}
}

// Settings implements AudioTrack.
func (t *LocalAudioTrack) Settings() AudioTrackSettings { return t.settings }

// SimpleMediaStream is a basic MediaStream implementation.
type SimpleMediaStream struct {
	id     string
	tracks []MediaStreamTrack
	mu     sync.RWMutex
}

// NewMediaStream creates a new media stream holding the given tracks.
func NewMediaStream(tracks ...MediaStreamTrack) *SimpleMediaStream {
	s := &SimpleMediaStream{id: uuid.NewString()}
	for _, t := range tracks {
		if t != nil {
			s.tracks = append(s.tracks, t)
		}
	}
	return s
}

func (s *SimpleMediaStream) ID() string { return s.id }

func (s *SimpleMediaStream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.State() == TrackStateLive {
			return true
		}
	}
	return false
}

func (s *SimpleMediaStream) GetTracks() []MediaStreamTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]MediaStreamTrack, len(s.tracks))
	copy(result, s.tracks)
	return result
}

func (s *SimpleMediaStream) GetVideoTracks() []VideoTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []VideoTrack
	for _, t := range s.tracks {
		if vt, ok := t.(VideoTrack); ok {
			result = append(result, vt)
		}
	}
	return result
}

func (s *SimpleMediaStream) GetAudioTracks() []AudioTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []AudioTrack
	for _, t := range s.tracks {
		if at, ok := t.(AudioTrack); ok {
			result = append(result, at)
		}
	}
	return result
}

func (s *SimpleMediaStream) AddTrack(track MediaStreamTrack) {
	if track == nil {
		return
	}
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
}

func (s *SimpleMediaStream) RemoveTrack(track MediaStreamTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == track.ID() {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Close stops every track in the stream.
func (s *SimpleMediaStream) Close() error {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
