package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAcquirer(configure func(*SyntheticConfig)) (*Acquirer, *SyntheticProvider) {
	provider := newTestProvider()
	if configure != nil {
		provider.Configure(configure)
	}
	return NewAcquirer(NewMediaDevices(provider, nil), nil), provider
}

func TestAcquireDisplay_WithSystemAudio(t *testing.T) {
	acq, provider := newTestAcquirer(nil)

	ds, err := acq.AcquireDisplay(context.Background(), DisplayRequest{SystemAudio: true})
	require.NoError(t, err)
	assert.Equal(t, SourceDisplay, ds.Kind)
	assert.NotNil(t, ds.VideoTrack())
	assert.Len(t, ds.AudioTracks(), 1)

	require.NoError(t, ds.Release())
	require.NoError(t, ds.Release())
	assert.Zero(t, provider.LiveTracks())
}

func TestAcquireDisplay_UnsatisfiableSystemAudio(t *testing.T) {
	acq, provider := newTestAcquirer(func(c *SyntheticConfig) { c.SystemAudio = false })

	ds, err := acq.AcquireDisplay(context.Background(), DisplayRequest{SystemAudio: true})
	assert.Nil(t, ds)
	assert.ErrorIs(t, err, ErrAcquisitionUnsatisfiable)
	assert.Zero(t, provider.LiveTracks(), "the partial grant must be released")
}

func TestAcquireDisplay_WithoutAudioIgnoresMissingSystemAudio(t *testing.T) {
	acq, _ := newTestAcquirer(func(c *SyntheticConfig) { c.SystemAudio = false })

	ds, err := acq.AcquireDisplay(context.Background(), DisplayRequest{})
	require.NoError(t, err)
	defer ds.Release()
	assert.Empty(t, ds.AudioTracks())
}

func TestAcquireDisplay_PermissionDenied(t *testing.T) {
	acq, _ := newTestAcquirer(func(c *SyntheticConfig) { c.DenyDisplay = true })

	_, err := acq.AcquireDisplay(context.Background(), DisplayRequest{})
	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.Equal(t, SourceDisplay, acqErr.Source)
	assert.Equal(t, AcquisitionPermissionDenied, acqErr.Kind)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAcquireUserMedia_SplitsByKind(t *testing.T) {
	acq, provider := newTestAcquirer(nil)

	camera, mic, err := acq.AcquireUserMedia(context.Background(), UserMediaRequest{
		Camera:     true,
		Microphone: true,
		Width:      320,
		Height:     240,
	})
	require.NoError(t, err)
	require.NotNil(t, camera)
	require.NotNil(t, mic)

	assert.Equal(t, SourceCamera, camera.Kind)
	assert.NotNil(t, camera.VideoTrack())
	assert.Empty(t, camera.AudioTracks())
	assert.Equal(t, SourceMicrophone, mic.Kind)
	assert.Nil(t, mic.VideoTrack())
	assert.Len(t, mic.AudioTracks(), 1)

	camera.Release()
	assert.Equal(t, 1, provider.LiveTracks())
	mic.Release()
	assert.Zero(t, provider.LiveTracks())
}

func TestAcquireUserMedia_DisabledModalities(t *testing.T) {
	acq, provider := newTestAcquirer(nil)

	camera, mic, err := acq.AcquireUserMedia(context.Background(), UserMediaRequest{Microphone: true, CameraDeviceID: "ignored"})
	require.NoError(t, err)
	assert.Nil(t, camera)
	require.NotNil(t, mic)
	mic.Release()

	camera, mic, err = acq.AcquireUserMedia(context.Background(), UserMediaRequest{})
	require.NoError(t, err)
	assert.Nil(t, camera)
	assert.Nil(t, mic)
	assert.Zero(t, provider.LiveTracks())
}

func TestAcquireUserMedia_NotFound(t *testing.T) {
	acq, _ := newTestAcquirer(nil)

	_, _, err := acq.AcquireUserMedia(context.Background(), UserMediaRequest{Camera: true, CameraDeviceID: "nope"})
	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, AcquisitionNotFound, acqErr.Kind)
	assert.Equal(t, SourceCamera, acqErr.Source)
}

func TestDeviceStream_RevokedOnEnd(t *testing.T) {
	acq, provider := newTestAcquirer(nil)

	ds, err := acq.AcquireDisplay(context.Background(), DisplayRequest{})
	require.NoError(t, err)
	defer ds.Release()

	require.True(t, provider.EndDisplay())
	require.Eventually(t, ds.Revoked, timeoutShort, tick)
}
