package cli

import (
	"time"

	"github.com/thesyncim/capture"
	"github.com/thesyncim/capture/internal/config"
)

// newSession wires a session to the synthetic devices described by cfg.
func (a *app) newSession() (*capture.Session, capture.MediaDevices, error) {
	cfg := a.deps.Config
	provider := capture.NewSyntheticProvider(capture.SyntheticConfig{
		DisplayWidth:   cfg.Synthetic.DisplayWidth,
		DisplayHeight:  cfg.Synthetic.DisplayHeight,
		FrameRate:      cfg.FrameRate,
		SystemAudio:    cfg.Synthetic.SystemAudio,
		DenyDisplay:    cfg.Synthetic.DenyDisplay,
		DenyCamera:     cfg.Synthetic.DenyCamera,
		DenyMicrophone: cfg.Synthetic.DenyMicrophone,
	})
	devices := capture.NewMediaDevices(provider, a.deps.Logger)

	scale, err := capture.ParseScaleMode(cfg.PrimaryScale)
	if err != nil {
		return nil, nil, err
	}
	compositor := capture.DefaultCompositorConfig()
	compositor.MaxWidth = cfg.MaxWidth
	compositor.PrimaryScale = scale
	compositor.FPS = cfg.FrameRate
	compositor.Interval = time.Second / time.Duration(cfg.FrameRate)

	session, err := capture.NewSession(capture.Options{
		Devices:    devices,
		Logger:     a.deps.Logger,
		Saver:      capture.DirSaver{Dir: cfg.OutputDir},
		Compositor: compositor,
		Timeslice:  cfg.Timeslice,
	})
	if err != nil {
		return nil, nil, err
	}
	return session, devices, nil
}

func startOptions(cfg *config.Config) (capture.StartOptions, error) {
	src, err := capture.ParseAudioSource(cfg.AudioSource)
	if err != nil {
		return capture.StartOptions{}, err
	}
	return capture.StartOptions{
		AudioSource:      src,
		CaptureSecondary: cfg.CaptureSecondary,
	}, nil
}
