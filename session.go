package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a recording session.
type Status int32

const (
	StatusIdle Status = iota
	StatusAcquiring
	StatusRecording
	StatusPaused
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAcquiring:
		return "acquiring"
	case StatusRecording:
		return "recording"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AudioSource selects which audio inputs are mixed into the recording.
type AudioSource int

const (
	AudioNone AudioSource = iota
	AudioMic
	AudioSystem
	AudioBoth
)

func (a AudioSource) String() string {
	switch a {
	case AudioMic:
		return "mic"
	case AudioSystem:
		return "system"
	case AudioBoth:
		return "both"
	default:
		return "none"
	}
}

// ParseAudioSource parses "none", "mic", "system" or "both".
func ParseAudioSource(s string) (AudioSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AudioNone, nil
	case "mic", "microphone":
		return AudioMic, nil
	case "system":
		return AudioSystem, nil
	case "both":
		return AudioBoth, nil
	}
	return AudioNone, fmt.Errorf("unknown audio source %q", s)
}

func (a AudioSource) wantsMic() bool    { return a == AudioMic || a == AudioBoth }
func (a AudioSource) wantsSystem() bool { return a == AudioSystem || a == AudioBoth }

// StartOptions selects the sources of a recording.
type StartOptions struct {
	AudioSource           AudioSource
	CaptureSecondary      bool   // Overlay the camera on the display
	SelectedAudioDeviceID string // Empty selects the default microphone
	SelectedVideoDeviceID string // Empty selects the default camera
}

// Options configures a Session.
type Options struct {
	Devices        MediaDevices    // Required
	Recorders      RecorderFactory // Defaults to the built-in Matroska recorder
	URLs           *ObjectURLs     // Defaults to a private registry
	Saver          Saver           // Defaults to the working directory
	Logger         *zap.Logger
	Compositor     CompositorConfig // Zero value selects DefaultCompositorConfig
	Mix            MixConfig
	MimeCandidates []string      // Defaults to DefaultMimeCandidates
	Timeslice      time.Duration // Chunk interval, defaults to one second
}

// Snapshot is the observable state of a session.
type Snapshot struct {
	Status          Status
	Error           string // Last error message, empty when none
	Loading         bool   // Acquiring devices or finalizing a recording
	ArtifactURL     string
	SecondaryStream MediaStream // Standalone camera preview, if enabled
	CombinedStream  MediaStream // Stream being recorded, if any
}

// Session drives one recording at a time through acquisition, composition,
// mixing, encoding and finalization. All methods are safe for concurrent use.
type Session struct {
	opts       Options
	logger     *zap.Logger
	acquirer   *Acquirer
	compositor *Compositor

	mu         sync.Mutex
	status     atomic.Int32
	generation atomic.Uint64
	stopping   atomic.Bool
	errMsg     string
	loading    bool
	dirty      bool
	closed     bool

	registry Registry
	recorder MediaRecorder
	mimeType string
	combined MediaStream
	output   *CompositeOutput

	chunkMu sync.Mutex
	chunks  [][]byte

	artifact    *Artifact
	artifactURL string

	previewMu sync.Mutex
	preview   *DeviceStream

	changes listeners[Snapshot]
}

// NewSession creates an idle session.
func NewSession(opts Options) (*Session, error) {
	if opts.Devices == nil {
		return nil, errors.New("session: Devices is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorders == nil {
		opts.Recorders = &MatroskaRecorderFactory{Logger: opts.Logger}
	}
	if opts.URLs == nil {
		opts.URLs = NewObjectURLs()
	}
	if opts.Saver == nil {
		opts.Saver = DirSaver{Dir: "."}
	}
	if opts.MimeCandidates == nil {
		opts.MimeCandidates = DefaultMimeCandidates
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = time.Second
	}
	if opts.Compositor == (CompositorConfig{}) {
		opts.Compositor = DefaultCompositorConfig()
	}
	if opts.Compositor.Logger == nil {
		opts.Compositor.Logger = opts.Logger
	}
	if opts.Mix.Logger == nil {
		opts.Mix.Logger = opts.Logger
	}

	return &Session{
		opts:       opts,
		logger:     opts.Logger,
		acquirer:   NewAcquirer(opts.Devices, opts.Logger),
		compositor: NewCompositor(opts.Compositor),
	}, nil
}

// Status returns the current status.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnStatusChange registers a callback fired with a snapshot after every
// observable change.
func (s *Session) OnStatusChange(callback func(Snapshot)) *Subscription {
	return s.changes.add(callback)
}

// PreviewFrame returns a copy of the latest composite frame while recording.
func (s *Session) PreviewFrame() (*VideoFrame, bool) {
	s.mu.Lock()
	out := s.output
	s.mu.Unlock()
	if out == nil {
		return nil, false
	}
	frame := out.LastFrame()
	if frame == nil {
		return nil, false
	}
	return frame.Clone(), true
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:         s.Status(),
		Error:          s.errMsg,
		Loading:        s.loading,
		ArtifactURL:    s.artifactURL,
		CombinedStream: s.combined,
	}
	if p := s.preview; p != nil {
		snap.SecondaryStream = p.Stream()
	}
	return snap
}

func (s *Session) setStatusLocked(st Status) {
	if Status(s.status.Swap(int32(st))) != st {
		s.logger.Info("session status", zap.Stringer("status", st))
	}
	s.dirty = true
}

// unlockAndNotify releases s.mu and notifies subscribers if state changed.
func (s *Session) unlockAndNotify() {
	changed := s.dirty
	s.dirty = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if changed {
		s.changes.emit(snap)
	}
}

// guardLocked rejects actions while acquiring or after Close.
func (s *Session) guardLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.Status() == StatusAcquiring {
		return ErrBusy
	}
	return nil
}

// acquired holds the device streams of one start attempt.
type acquired struct {
	display *DeviceStream
	camera  *DeviceStream
	mic     *DeviceStream
}

func (a *acquired) release() {
	for _, ds := range []*DeviceStream{a.mic, a.camera, a.display} {
		if ds != nil {
			ds.Release()
		}
	}
}

// Start acquires the requested sources and begins recording. Acquisition
// runs without holding the session lock; concurrent actions get ErrBusy.
func (s *Session) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	if err := s.guardLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.Status() != StatusIdle || s.registry.Len() > 0 {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.errMsg = ""
	s.loading = true
	s.setStatusLocked(StatusAcquiring)
	gen := s.generation.Add(1)
	s.unlockAndNotify()

	s.logger.Info("acquiring sources",
		zap.Stringer("audio", opts.AudioSource),
		zap.Bool("secondary", opts.CaptureSecondary))
	acq, err := s.acquire(ctx, opts)

	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.closed || s.generation.Load() != gen {
		if acq != nil {
			acq.release()
		}
		return ErrSessionClosed
	}
	if err != nil {
		s.failLocked(err)
		return err
	}
	if err := s.startPipelineLocked(gen, acq); err != nil {
		s.failLocked(err)
		return err
	}
	return nil
}

func (s *Session) acquire(ctx context.Context, opts StartOptions) (*acquired, error) {
	display, err := s.acquirer.AcquireDisplay(ctx, DisplayRequest{SystemAudio: opts.AudioSource.wantsSystem()})
	if err != nil {
		return nil, err
	}
	acq := &acquired{display: display}

	camera, mic, err := s.acquirer.AcquireUserMedia(ctx, UserMediaRequest{
		Camera:             opts.CaptureSecondary,
		Microphone:         opts.AudioSource.wantsMic(),
		CameraDeviceID:     opts.SelectedVideoDeviceID,
		MicrophoneDeviceID: opts.SelectedAudioDeviceID,
		Width:              DefaultSourceWidth,
		Height:             DefaultSourceHeight,
	})
	if err != nil {
		acq.release()
		return nil, err
	}
	acq.camera, acq.mic = camera, mic
	return acq, nil
}

// startPipelineLocked wires the acquired streams into the compositor, the
// mixer and a recorder. Everything is registered for release in LIFO order.
func (s *Session) startPipelineLocked(gen uint64, acq *acquired) error {
	for _, ds := range []*DeviceStream{acq.display, acq.camera, acq.mic} {
		if ds == nil {
			continue
		}
		s.registry.Add(ds.Kind.String(), ds.Release)
		kind := ds.Kind
		for _, t := range ds.Stream().GetTracks() {
			s.registry.AddSubscription(kind.String()+" ended", t.OnEnded(func() { s.onSourceEnded(gen, kind) }))
		}
	}

	primary := acq.display.VideoTrack()

	var secondary VideoTrack
	if acq.camera != nil {
		secondary = acq.camera.VideoTrack()
	}
	out, err := s.compositor.Start(primary, secondary)
	if err != nil {
		return err
	}
	s.registry.Add("compositor", out.Stop)
	s.output = out

	var audio []AudioTrack
	audio = append(audio, acq.display.AudioTracks()...)
	if acq.mic != nil {
		audio = append(audio, acq.mic.AudioTracks()...)
	}
	combined := NewMediaStream(out.Track())
	if graph := Mix(audio, s.opts.Mix); graph != nil {
		s.registry.Add("mixer", graph.Close)
		combined.AddTrack(graph.Output())
	}

	width, height := out.Size()
	fps := s.compositor.Config().FPS
	mimeType := SelectMimeType(s.opts.Recorders, s.opts.MimeCandidates)
	rec, err := s.opts.Recorders.NewRecorder(combined, RecorderOptions{
		MimeType:           mimeType,
		VideoBitsPerSecond: VideoBitrate(width, height, fps),
		Timeslice:          s.opts.Timeslice,
		Handlers: RecorderHandlers{
			OnData:  func(chunk []byte) { s.onData(gen, chunk) },
			OnStop:  func() { s.onStop(gen) },
			OnError: func(err error) { s.onError(gen, err) },
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderFault, err)
	}
	s.registry.Add("recorder", func() error {
		if rec.State() != RecorderInactive {
			rec.Stop()
		}
		return nil
	})

	s.chunkMu.Lock()
	s.chunks = nil
	s.chunkMu.Unlock()
	s.stopping.Store(false)
	s.recorder = rec
	s.mimeType = mimeType
	s.combined = combined

	s.setStatusLocked(StatusRecording)
	if err := rec.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderFault, err)
	}
	s.loading = false

	s.logger.Info("recording started",
		zap.String("mime", mimeType),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("audio_inputs", len(audio)))
	return nil
}

// failLocked records err, releases everything and returns to Idle.
func (s *Session) failLocked(err error) {
	s.logger.Error("session failed", zap.Error(err))
	s.errMsg = err.Error()
	s.loading = false
	s.releaseLocked()
	s.discardChunks()
	s.setStatusLocked(StatusIdle)
}

// releaseLocked tears down every session resource. Callbacks from the
// released pipeline are ignored afterwards.
func (s *Session) releaseLocked() {
	s.generation.Add(1)
	s.stopping.Store(false)
	s.recorder = nil
	s.combined = nil
	s.output = nil
	if err := s.registry.Release(); err != nil {
		s.logger.Warn("release failed", zap.Error(err))
	}
	s.dirty = true
}

func (s *Session) discardChunks() {
	s.chunkMu.Lock()
	s.chunks = nil
	s.chunkMu.Unlock()
}

// Pause pauses a running recording. It is a no-op in any other state.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if err := s.guardLocked(); err != nil {
		return err
	}
	if s.Status() != StatusRecording || s.stopping.Load() || s.recorder == nil {
		return nil
	}
	s.recorder.Pause()
	s.setStatusLocked(StatusPaused)
	return nil
}

// Resume resumes a paused recording. It is a no-op in any other state.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if err := s.guardLocked(); err != nil {
		return err
	}
	if s.Status() != StatusPaused || s.stopping.Load() || s.recorder == nil {
		return nil
	}
	s.setStatusLocked(StatusRecording)
	s.recorder.Resume()
	return nil
}

// Stop asks the recorder to finish. The session becomes Stopped once the
// recorder has flushed its last chunk.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if err := s.guardLocked(); err != nil {
		return err
	}
	s.stopLocked()
	return nil
}

func (s *Session) stopLocked() {
	st := s.Status()
	if st != StatusRecording && st != StatusPaused {
		return
	}
	if s.recorder == nil || s.recorder.State() == RecorderInactive || s.stopping.Load() {
		return
	}
	s.stopping.Store(true)
	s.loading = true
	s.dirty = true
	s.recorder.Stop()
}

// Reset discards the artifact and releases every session resource.
// It is idempotent from Idle and Stopped.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if err := s.guardLocked(); err != nil {
		return err
	}
	if st := s.Status(); st == StatusRecording || st == StatusPaused {
		return ErrSessionActive
	}
	s.releaseLocked()
	s.discardChunks()
	s.revokeArtifactLocked()
	s.errMsg = ""
	s.loading = false
	s.setStatusLocked(StatusIdle)
	return nil
}

func (s *Session) revokeArtifactLocked() {
	if s.artifactURL != "" {
		s.opts.URLs.Revoke(s.artifactURL)
	}
	s.artifact = nil
	s.artifactURL = ""
}

func (s *Session) onData(gen uint64, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if s.Status() != StatusRecording && !s.stopping.Load() {
		return
	}
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	if s.generation.Load() != gen {
		return
	}
	s.chunks = append(s.chunks, chunk)
}

func (s *Session) onStop(gen uint64) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.generation.Load() != gen {
		return
	}
	if st := s.Status(); st != StatusRecording && st != StatusPaused {
		return
	}

	s.chunkMu.Lock()
	chunks := s.chunks
	s.chunks = nil
	s.chunkMu.Unlock()

	artifact := newArtifact(chunks, s.mimeType)
	s.revokeArtifactLocked()
	s.artifact = artifact
	s.artifactURL = s.opts.URLs.Create(artifact)

	s.releaseLocked()
	s.loading = false
	s.setStatusLocked(StatusStopped)
	s.logger.Info("recording finalized",
		zap.String("url", s.artifactURL),
		zap.Int("chunks", len(chunks)),
		zap.Int("bytes", artifact.Size()))
}

func (s *Session) onError(gen uint64, err error) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.generation.Load() != gen {
		return
	}
	s.failLocked(fmt.Errorf("%w: %w", ErrEncoderFault, err))
}

// onSourceEnded handles the platform ending a captured track: the display
// share was stopped or a device was removed. With nothing recorded yet the
// session is aborted, otherwise it is stopped.
func (s *Session) onSourceEnded(gen uint64, kind SourceKind) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.generation.Load() != gen {
		return
	}
	if st := s.Status(); st != StatusRecording && st != StatusPaused {
		return
	}
	s.chunkMu.Lock()
	n := len(s.chunks)
	s.chunkMu.Unlock()

	if n == 0 && !s.stopping.Load() {
		s.failLocked(ErrExternalRevocation)
		return
	}
	s.logger.Info("source ended, stopping", zap.Stringer("source", kind))
	s.stopLocked()
}

// Artifact returns the finalized recording, if any.
func (s *Session) Artifact() (*Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact, s.artifact != nil
}

// Download saves the artifact as "<prefix>.<ext>" through the configured
// Saver and returns the file name. An empty prefix means "recording".
func (s *Session) Download(prefix string) (string, error) {
	s.mu.Lock()
	artifact := s.artifact
	s.mu.Unlock()
	if artifact == nil {
		return "", ErrNoArtifact
	}
	if prefix == "" {
		prefix = "recording"
	}
	name := prefix + "." + artifact.Extension()
	if err := s.opts.Saver.Save(name, artifact); err != nil {
		s.logger.Error("download failed", zap.String("name", name), zap.Error(err))
		return "", err
	}
	return name, nil
}

// ToggleSecondarySource opens or closes a standalone camera preview. The
// preview is independent from the recording and survives Reset.
func (s *Session) ToggleSecondarySource(ctx context.Context, enabled bool) error {
	s.previewMu.Lock()
	defer s.previewMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	current := s.preview
	if !enabled {
		s.preview = nil
		s.dirty = current != nil
		s.unlockAndNotify()
		if current != nil {
			current.Release()
		}
		return nil
	}
	s.mu.Unlock()
	if current != nil {
		return nil
	}

	camera, _, err := s.acquirer.AcquireUserMedia(ctx, UserMediaRequest{
		Camera: true,
		Width:  320,
		Height: 240,
	})
	if err == nil && camera == nil {
		err = newAcquisitionError(SourceCamera, ErrDeviceNotFound)
	}

	s.mu.Lock()
	defer s.unlockAndNotify()
	if err != nil {
		s.logger.Warn("camera preview failed", zap.Error(err))
		s.errMsg = err.Error()
		s.dirty = true
		return err
	}
	if s.closed {
		camera.Release()
		return ErrSessionClosed
	}
	s.preview = camera
	s.dirty = true
	return nil
}

// Close releases everything, including the camera preview and the artifact
// URL. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.releaseLocked()
	s.discardChunks()
	s.revokeArtifactLocked()
	preview := s.preview
	s.preview = nil
	s.loading = false
	s.setStatusLocked(StatusIdle)
	s.unlockAndNotify()

	if preview != nil {
		return preview.Release()
	}
	return nil
}
