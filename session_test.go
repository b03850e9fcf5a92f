package capture

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vp9Mime = "video/webm;codecs=vp9,opus"

type sessionHarness struct {
	session  *Session
	provider *SyntheticProvider
	factory  *fakeRecorderFactory
	urls     *ObjectURLs
	saver    *memorySaver
}

func newSessionHarness(t *testing.T, configure func(*Options)) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		provider: newTestProvider(),
		factory:  newFakeRecorderFactory(vp9Mime),
		urls:     NewObjectURLs(),
		saver:    &memorySaver{},
	}
	opts := Options{
		Devices:   NewMediaDevices(h.provider, nil),
		Recorders: h.factory,
		URLs:      h.urls,
		Saver:     h.saver,
	}
	if configure != nil {
		configure(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	h.session = s

	t.Cleanup(func() {
		s.Close()
		h.factory.mu.Lock()
		defer h.factory.mu.Unlock()
		for _, r := range h.factory.recorders {
			r.wg.Wait()
		}
	})
	return h
}

func (h *sessionHarness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.Status() == want }, timeoutShort, tick,
		"status = %v, want %v", h.session.Status(), want)
}

func TestNewSession_RequiresDevices(t *testing.T) {
	_, err := NewSession(Options{})
	assert.Error(t, err)
}

func TestSession_PauseResumeAreNoopsWhenIdle(t *testing.T) {
	h := newSessionHarness(t, nil)

	assert.NoError(t, h.session.Pause())
	assert.NoError(t, h.session.Resume())
	assert.NoError(t, h.session.Stop())
	assert.Equal(t, StatusIdle, h.session.Status())
	assert.Zero(t, h.factory.count())
}

func TestSession_ResetIsIdempotent(t *testing.T) {
	h := newSessionHarness(t, nil)

	require.NoError(t, h.session.Reset())
	require.NoError(t, h.session.Reset())

	snap := h.session.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.ArtifactURL)
	assert.Zero(t, h.urls.Count())
}

func TestSession_FullLifecycle(t *testing.T) {
	h := newSessionHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, StartOptions{AudioSource: AudioBoth, CaptureSecondary: true}))
	assert.Equal(t, StatusRecording, h.session.Status())

	rec := h.factory.last()
	require.NotNil(t, rec)
	assert.Equal(t, vp9Mime, rec.options.MimeType)
	assert.Equal(t, VideoBitrate(320, 180, 30), rec.options.VideoBitsPerSecond)
	assert.Equal(t, time.Second, rec.options.Timeslice)

	// Display, camera, microphone and system audio reach the encoder as one
	// composited video track and one mixed audio track.
	assert.Len(t, rec.stream.GetVideoTracks(), 1)
	assert.Len(t, rec.stream.GetAudioTracks(), 1)
	assert.Equal(t, 4, h.provider.LiveTracks())

	snap := h.session.Snapshot()
	assert.NotNil(t, snap.CombinedStream)
	assert.False(t, snap.Loading)

	rec.emit("a")
	rec.emit("")
	require.NoError(t, h.session.Pause())
	assert.Equal(t, StatusPaused, h.session.Status())
	assert.Equal(t, RecorderPaused, rec.State())

	rec.emitRaw("late")
	require.NoError(t, h.session.Resume())
	assert.Equal(t, StatusRecording, h.session.Status())
	rec.emit("b")

	require.NoError(t, h.session.Stop())
	h.waitStatus(t, StatusStopped)

	artifact, ok := h.session.Artifact()
	require.True(t, ok)
	assert.Equal(t, "abfinal", string(artifact.Bytes()), "chunks are kept in order, paused and empty ones dropped")
	assert.Equal(t, vp9Mime, artifact.MimeType)

	snap = h.session.Snapshot()
	assert.NotEmpty(t, snap.ArtifactURL)
	assert.Nil(t, snap.CombinedStream)
	assert.Equal(t, 1, h.urls.Count())
	resolved, ok := h.urls.Resolve(snap.ArtifactURL)
	require.True(t, ok)
	assert.Same(t, artifact, resolved)

	assert.Zero(t, h.provider.LiveTracks(), "devices are released once stopped")

	name, err := h.session.Download("clip")
	require.NoError(t, err)
	assert.Equal(t, "clip.webm", name)
	assert.Equal(t, []string{"clip.webm"}, h.saver.names)
	assert.Equal(t, []byte("abfinal"), h.saver.saved["clip.webm"])

	require.NoError(t, h.session.Reset())
	assert.Equal(t, StatusIdle, h.session.Status())
	assert.Zero(t, h.urls.Count(), "reset revokes the artifact URL")
	_, err = h.session.Download("")
	assert.ErrorIs(t, err, ErrNoArtifact)
}

func TestSession_StopFromPausedKeepsFinalChunk(t *testing.T) {
	h := newSessionHarness(t, nil)

	require.NoError(t, h.session.Start(context.Background(), StartOptions{}))
	rec := h.factory.last()
	rec.emit("x")
	require.NoError(t, h.session.Pause())

	require.NoError(t, h.session.Stop())
	require.NoError(t, h.session.Stop())
	h.waitStatus(t, StatusStopped)

	artifact, ok := h.session.Artifact()
	require.True(t, ok)
	assert.Equal(t, "xfinal", string(artifact.Bytes()))
}

func TestSession_StartFailsFastWhileActive(t *testing.T) {
	h := newSessionHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, StartOptions{}))
	assert.ErrorIs(t, h.session.Start(ctx, StartOptions{}), ErrSessionActive)
	assert.Equal(t, 1, h.factory.count())
	assert.ErrorIs(t, h.session.Reset(), ErrSessionActive)

	require.NoError(t, h.session.Stop())
	h.waitStatus(t, StatusStopped)
	assert.ErrorIs(t, h.session.Start(ctx, StartOptions{}), ErrSessionActive, "a stopped session must be reset first")
}

func TestSession_SecondRecordingReplacesURL(t *testing.T) {
	h := newSessionHarness(t, nil)
	ctx := context.Background()

	record := func() string {
		require.NoError(t, h.session.Start(ctx, StartOptions{AudioSource: AudioMic}))
		h.factory.last().emit("chunk")
		require.NoError(t, h.session.Stop())
		h.waitStatus(t, StatusStopped)
		return h.session.Snapshot().ArtifactURL
	}

	first := record()
	require.NoError(t, h.session.Reset())
	second := record()

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, h.urls.Count())
	_, ok := h.urls.Resolve(first)
	assert.False(t, ok)
}

func TestSession_SystemAudioUnsatisfiable(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.provider.Configure(func(c *SyntheticConfig) { c.SystemAudio = false })

	err := h.session.Start(context.Background(), StartOptions{AudioSource: AudioSystem, CaptureSecondary: true})
	require.ErrorIs(t, err, ErrAcquisitionUnsatisfiable)

	snap := h.session.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, ErrAcquisitionUnsatisfiable.Error(), snap.Error)
	assert.False(t, snap.Loading)
	assert.Zero(t, h.provider.LiveTracks())
	assert.Zero(t, h.factory.count(), "no encoder is created")
}

func TestSession_AcquisitionDenied(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*SyntheticConfig)
		opts      StartOptions
		source    SourceKind
	}{
		{"display", func(c *SyntheticConfig) { c.DenyDisplay = true }, StartOptions{}, SourceDisplay},
		{"microphone", func(c *SyntheticConfig) { c.DenyMicrophone = true }, StartOptions{AudioSource: AudioMic}, SourceMicrophone},
		{"camera", func(c *SyntheticConfig) { c.DenyCamera = true }, StartOptions{CaptureSecondary: true}, SourceCamera},
		{"microphone with camera", func(c *SyntheticConfig) { c.DenyMicrophone = true }, StartOptions{AudioSource: AudioBoth, CaptureSecondary: true}, SourceMicrophone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSessionHarness(t, nil)
			h.provider.Configure(tt.configure)

			err := h.session.Start(context.Background(), tt.opts)
			var acqErr *AcquisitionError
			require.ErrorAs(t, err, &acqErr)
			assert.Equal(t, AcquisitionPermissionDenied, acqErr.Kind)
			assert.Equal(t, tt.source, acqErr.Source)

			assert.Equal(t, StatusIdle, h.session.Status())
			assert.NotEmpty(t, h.session.Snapshot().Error)
			assert.Zero(t, h.provider.LiveTracks(), "partial grants are released")

			// The error is recoverable.
			h.provider.Configure(func(c *SyntheticConfig) {
				c.DenyDisplay, c.DenyCamera, c.DenyMicrophone = false, false, false
			})
			require.NoError(t, h.session.Start(context.Background(), tt.opts))
			assert.Empty(t, h.session.Snapshot().Error)
		})
	}
}

func TestSession_EncoderFault(t *testing.T) {
	h := newSessionHarness(t, nil)

	require.NoError(t, h.session.Start(context.Background(), StartOptions{AudioSource: AudioMic}))
	rec := h.factory.last()
	rec.emit("lost")

	boom := errors.New("boom")
	rec.fail(boom)
	h.waitStatus(t, StatusIdle)

	snap := h.session.Snapshot()
	assert.Contains(t, snap.Error, ErrEncoderFault.Error())
	assert.Contains(t, snap.Error, "boom")
	assert.Empty(t, snap.ArtifactURL)
	assert.Zero(t, h.provider.LiveTracks())
	_, ok := h.session.Artifact()
	assert.False(t, ok)
}

func TestSession_RecorderCreationFailure(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.factory.newErr = errors.New("no encoder")

	err := h.session.Start(context.Background(), StartOptions{AudioSource: AudioMic})
	require.ErrorIs(t, err, ErrEncoderFault)
	assert.Equal(t, StatusIdle, h.session.Status())
	assert.Zero(t, h.provider.LiveTracks())
}

func TestSession_DisplayEndedBeforeAnyChunkAborts(t *testing.T) {
	h := newSessionHarness(t, nil)

	require.NoError(t, h.session.Start(context.Background(), StartOptions{AudioSource: AudioMic}))
	require.True(t, h.provider.EndDisplay())

	h.waitStatus(t, StatusIdle)
	assert.Equal(t, ErrExternalRevocation.Error(), h.session.Snapshot().Error)
	assert.Zero(t, h.provider.LiveTracks())
	assert.Zero(t, h.urls.Count())
}

func TestSession_DisplayEndedStopsRecording(t *testing.T) {
	h := newSessionHarness(t, nil)

	require.NoError(t, h.session.Start(context.Background(), StartOptions{AudioSource: AudioMic}))
	h.factory.last().emit("data")
	require.True(t, h.provider.EndDisplay())

	h.waitStatus(t, StatusStopped)
	artifact, ok := h.session.Artifact()
	require.True(t, ok)
	assert.Equal(t, "datafinal", string(artifact.Bytes()))
	assert.Zero(t, h.provider.LiveTracks())
}

func TestSession_DeviceRemoved(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		chunk    string
		want     Status
	}{
		{"camera after data", "synthetic-camera-0", "data", StatusStopped},
		{"microphone after data", "synthetic-mic-0", "data", StatusStopped},
		{"microphone before data", "synthetic-mic-0", "", StatusIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSessionHarness(t, nil)

			require.NoError(t, h.session.Start(context.Background(), StartOptions{AudioSource: AudioMic, CaptureSecondary: true}))
			h.factory.last().emit(tt.chunk)
			h.provider.UnplugDevice(tt.deviceID)

			h.waitStatus(t, tt.want)
			assert.Zero(t, h.provider.LiveTracks())
			if tt.want == StatusIdle {
				assert.Equal(t, ErrExternalRevocation.Error(), h.session.Snapshot().Error)
				return
			}
			artifact, ok := h.session.Artifact()
			require.True(t, ok)
			assert.Equal(t, "datafinal", string(artifact.Bytes()))
		})
	}
}

func TestSession_BusyWhileAcquiring(t *testing.T) {
	gate := make(chan struct{})
	h := newSessionHarness(t, func(o *Options) {
		o.Devices = &gatedDevices{MediaDevices: o.Devices, gate: gate}
	})

	done := make(chan error, 1)
	go func() { done <- h.session.Start(context.Background(), StartOptions{}) }()
	h.waitStatus(t, StatusAcquiring)
	assert.True(t, h.session.Snapshot().Loading)

	assert.ErrorIs(t, h.session.Start(context.Background(), StartOptions{}), ErrBusy)
	assert.ErrorIs(t, h.session.Pause(), ErrBusy)
	assert.ErrorIs(t, h.session.Resume(), ErrBusy)
	assert.ErrorIs(t, h.session.Stop(), ErrBusy)
	assert.ErrorIs(t, h.session.Reset(), ErrBusy)
	assert.Equal(t, StatusAcquiring, h.session.Status())

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StatusRecording, h.session.Status())
}

func TestSession_StartCanceledContext(t *testing.T) {
	gate := make(chan struct{})
	h := newSessionHarness(t, func(o *Options) {
		o.Devices = &gatedDevices{MediaDevices: o.Devices, gate: gate}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.session.Start(ctx, StartOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusIdle, h.session.Status())
}

func TestSession_OnStatusChange(t *testing.T) {
	h := newSessionHarness(t, nil)

	var mu sync.Mutex
	var seen []Status
	sub := h.session.OnStatusChange(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != s.Status {
			seen = append(seen, s.Status)
		}
	})

	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx, StartOptions{}))
	require.NoError(t, h.session.Pause())
	require.NoError(t, h.session.Resume())
	h.factory.last().emit("c")
	last := func(want Status) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) > 0 && seen[len(seen)-1] == want
		}
	}
	require.NoError(t, h.session.Stop())
	require.Eventually(t, last(StatusStopped), timeoutShort, tick)
	require.NoError(t, h.session.Reset())
	require.Eventually(t, last(StatusIdle), timeoutShort, tick)

	mu.Lock()
	assert.Equal(t, []Status{
		StatusAcquiring, StatusRecording, StatusPaused, StatusRecording, StatusStopped, StatusIdle,
	}, seen)
	mu.Unlock()

	sub.Unsubscribe()
}

func TestSession_ToggleSecondarySource(t *testing.T) {
	h := newSessionHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.ToggleSecondarySource(ctx, true))
	require.NoError(t, h.session.ToggleSecondarySource(ctx, true))
	preview := h.session.Snapshot().SecondaryStream
	require.NotNil(t, preview)
	require.Len(t, preview.GetVideoTracks(), 1)
	assert.Empty(t, preview.GetAudioTracks())
	assert.Equal(t, 320, preview.GetVideoTracks()[0].Settings().Width)
	assert.Equal(t, 1, h.provider.LiveTracks())

	require.NoError(t, h.session.Reset())
	assert.NotNil(t, h.session.Snapshot().SecondaryStream, "reset leaves the preview alone")

	require.NoError(t, h.session.ToggleSecondarySource(ctx, false))
	assert.Nil(t, h.session.Snapshot().SecondaryStream)
	assert.Zero(t, h.provider.LiveTracks())
}

func TestSession_ToggleSecondarySourceDenied(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.provider.Configure(func(c *SyntheticConfig) { c.DenyCamera = true })

	err := h.session.ToggleSecondarySource(context.Background(), true)
	require.ErrorIs(t, err, ErrPermissionDenied)

	snap := h.session.Snapshot()
	assert.Nil(t, snap.SecondaryStream)
	assert.Contains(t, snap.Error, "camera")
}

func TestSession_CloseReleasesEverything(t *testing.T) {
	h := newSessionHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.ToggleSecondarySource(ctx, true))
	require.NoError(t, h.session.Start(ctx, StartOptions{AudioSource: AudioBoth, CaptureSecondary: true}))
	require.NoError(t, h.session.Close())
	require.NoError(t, h.session.Close())

	assert.Zero(t, h.provider.LiveTracks())
	assert.Equal(t, StatusIdle, h.session.Status())
	assert.ErrorIs(t, h.session.Start(ctx, StartOptions{}), ErrSessionClosed)
	assert.ErrorIs(t, h.session.ToggleSecondarySource(ctx, true), ErrSessionClosed)
}

func TestSession_MatroskaEndToEnd(t *testing.T) {
	dir := t.TempDir()
	provider := newTestProvider()
	s, err := NewSession(Options{
		Devices:   NewMediaDevices(provider, nil),
		Saver:     DirSaver{Dir: dir},
		Timeslice: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), StartOptions{AudioSource: AudioBoth, CaptureSecondary: true}))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, s.Stop())
	require.Eventually(t, func() bool { return s.Status() == StatusStopped }, 5*time.Second, tick)

	artifact, ok := s.Artifact()
	require.True(t, ok)
	assert.Equal(t, MatroskaMimeType, artifact.MimeType)
	assert.True(t, bytes.HasPrefix(artifact.Bytes(), ebmlMagic))

	name, err := s.Download("")
	require.NoError(t, err)
	assert.Equal(t, "recording.mkv", name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, artifact.Size(), len(data))
	assert.Zero(t, provider.LiveTracks())
}

func TestSession_PreviewFrame(t *testing.T) {
	h := newSessionHarness(t, nil)

	_, ok := h.session.PreviewFrame()
	assert.False(t, ok)

	require.NoError(t, h.session.Start(context.Background(), StartOptions{}))
	require.Eventually(t, func() bool {
		_, ok := h.session.PreviewFrame()
		return ok
	}, timeoutShort, tick)

	frame, _ := h.session.PreviewFrame()
	assert.Equal(t, 320, frame.Width())
	assert.Equal(t, 180, frame.Height())

	h.session.mu.Lock()
	drawn := h.session.output.LastFrame()
	h.session.mu.Unlock()
	assert.NotSame(t, drawn.Image, frame.Image, "callers get their own copy")

	require.NoError(t, h.session.Stop())
	h.waitStatus(t, StatusStopped)
	_, ok = h.session.PreviewFrame()
	assert.False(t, ok)
}

// liveDeviceIDs lists the device IDs of the provider's live tracks.
func liveDeviceIDs(p *SyntheticProvider) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, t := range p.opened {
		if t.State() != TrackStateLive {
			continue
		}
		switch tt := t.(type) {
		case VideoTrack:
			ids = append(ids, tt.Settings().DeviceID)
		case AudioTrack:
			ids = append(ids, tt.Settings().DeviceID)
		}
	}
	return ids
}

func TestSession_SelectedDevices(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.provider.PlugDevice(DeviceInfo{DeviceID: "d1", Kind: DeviceKindAudioInput, Label: "Headset"})
	h.provider.PlugDevice(DeviceInfo{DeviceID: "d2", Kind: DeviceKindVideoInput, Label: "USB Camera"})

	require.NoError(t, h.session.Start(context.Background(), StartOptions{
		AudioSource:           AudioMic,
		CaptureSecondary:      true,
		SelectedAudioDeviceID: "d1",
		SelectedVideoDeviceID: "d2",
	}))
	assert.Equal(t, StatusRecording, h.session.Status())
	assert.ElementsMatch(t, []string{"synthetic-display-0", "d1", "d2"}, liveDeviceIDs(h.provider))

	combined := h.session.Snapshot().CombinedStream
	require.NotNil(t, combined)
	assert.Len(t, combined.GetVideoTracks(), 1)
	assert.Len(t, combined.GetAudioTracks(), 1)

	require.NoError(t, h.session.Stop())
	h.waitStatus(t, StatusStopped)
	assert.NotEmpty(t, h.session.Snapshot().ArtifactURL)

	name, err := h.session.Download("clip")
	require.NoError(t, err)
	assert.Equal(t, "clip.webm", name)
	assert.Equal(t, []string{"clip.webm"}, h.saver.names)
}

func TestSession_ResumeKeepsChunkEmittedOnResume(t *testing.T) {
	h := newSessionHarness(t, nil)

	require.NoError(t, h.session.Start(context.Background(), StartOptions{}))
	rec := h.factory.last()
	require.NotNil(t, rec)
	rec.onResume = func(r *fakeRecorder) { r.emit("R") }

	rec.emit("a")
	require.NoError(t, h.session.Pause())
	require.NoError(t, h.session.Resume())
	rec.emit("b")

	require.NoError(t, h.session.Stop())
	h.waitStatus(t, StatusStopped)

	artifact, ok := h.session.Artifact()
	require.True(t, ok)
	assert.Equal(t, "aRbfinal", string(artifact.Bytes()))
}
