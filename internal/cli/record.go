package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thesyncim/capture"
)

// finalizeTimeout bounds the wait for the recorder's last chunk.
const finalizeTimeout = 10 * time.Second

func newRecordCmd(a *app) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record for a fixed duration and save the result",
		Long:  "Record the display with the configured sources until --duration elapses or Ctrl+C is pressed,\nthen save the recording to the output directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.record(ctx, cmd, duration)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "recording length, 0 records until interrupted")
	cmd.Flags().String("audio-source", "", "audio to mix: none, mic, system or both")
	cmd.Flags().Bool("capture-secondary", false, "overlay the camera on the display")
	cmd.Flags().StringP("output-dir", "o", "", "directory the recording is saved to")
	cmd.Flags().String("filename-prefix", "", "recording file name without extension")
	cmd.Flags().Duration("timeslice", 0, "encoder chunk interval")

	return cmd
}

func (a *app) record(ctx context.Context, cmd *cobra.Command, duration time.Duration) error {
	cfg, logger := a.deps.Config, a.deps.Logger
	out := cmd.OutOrStdout()

	opts, err := startOptions(cfg)
	if err != nil {
		return err
	}
	session, _, err := a.newSession()
	if err != nil {
		return err
	}
	defer session.Close()

	done := make(chan capture.Snapshot, 1)
	sub := session.OnStatusChange(func(s capture.Snapshot) {
		if s.Status == capture.StatusStopped || (s.Status == capture.StatusIdle && s.Error != "") {
			select {
			case done <- s:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if err := session.Start(ctx, opts); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	started := time.Now()
	fmt.Fprintf(out, "Recording (audio: %s, camera: %t)\n", opts.AudioSource, opts.CaptureSecondary)

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(out, "\r%s", capture.FormatElapsed(time.Since(started)))
		case <-deadline:
			break wait
		case <-ctx.Done():
			break wait
		case snap := <-done:
			// Ended by the platform or an encoder fault.
			if snap.Status != capture.StatusStopped {
				return errors.New(snap.Error)
			}
			return a.save(cmd, session, started)
		}
	}

	if err := session.Stop(); err != nil {
		return err
	}
	select {
	case snap := <-done:
		if snap.Status != capture.StatusStopped {
			return errors.New(snap.Error)
		}
	case <-time.After(finalizeTimeout):
		return errors.New("timed out waiting for the recording to finalize")
	}
	logger.Debug("recording finalized", zap.Duration("elapsed", time.Since(started)))
	return a.save(cmd, session, started)
}

func (a *app) save(cmd *cobra.Command, session *capture.Session, started time.Time) error {
	name, err := session.Download(a.deps.Config.FilenamePrefix)
	if err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	artifact, _ := session.Artifact()
	fmt.Fprintf(cmd.OutOrStdout(), "\rSaved %s (%s, %d bytes, %s)\n",
		filepath.Join(a.deps.Config.OutputDir, name),
		artifact.MimeType,
		artifact.Size(),
		capture.FormatElapsed(time.Since(started)))
	return nil
}
