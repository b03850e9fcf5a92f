package capture

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"
)

func TestNewTestPatternTrack_Defaults(t *testing.T) {
	track := NewTestPatternTrack(TestPatternConfig{})
	defer track.Close()

	s := track.Settings()
	if s.Width != 1280 || s.Height != 720 {
		t.Errorf("default size = %dx%d, want 1280x720", s.Width, s.Height)
	}
	if s.FrameRate != 30 {
		t.Errorf("default FPS = %d, want 30", s.FrameRate)
	}
	if track.Kind() != TrackKindVideo {
		t.Errorf("Kind() = %v, want video", track.Kind())
	}
}

func TestTestPatternTrack_ReadFrame(t *testing.T) {
	track := NewTestPatternTrack(TestPatternConfig{Width: 160, Height: 90, FPS: 100})
	defer track.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var last time.Duration = -1
	for i := 0; i < 3; i++ {
		frame, err := track.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if frame.Width() != 160 || frame.Height() != 90 {
			t.Errorf("frame size = %dx%d", frame.Width(), frame.Height())
		}
		if frame.Timestamp <= last {
			t.Errorf("timestamps not increasing: %v after %v", frame.Timestamp, last)
		}
		last = frame.Timestamp
	}
}

func TestTestPatternTrack_ColorBars(t *testing.T) {
	track := NewTestPatternTrack(TestPatternConfig{Width: 80, Height: 10, Pattern: PatternColorBars})
	defer track.Close()

	frame, err := track.ReadFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := frame.Image.RGBAAt(0, 0); got != colorBars[0] {
		t.Errorf("first bar = %v, want %v", got, colorBars[0])
	}
	if got := frame.Image.RGBAAt(79, 0); got != colorBars[7] {
		t.Errorf("last bar = %v, want %v", got, colorBars[7])
	}
}

func TestTestPatternTrack_SolidColor(t *testing.T) {
	want := color.RGBA{10, 20, 30, 255}
	track := NewTestPatternTrack(TestPatternConfig{Width: 8, Height: 8, Pattern: PatternSolidColor, Solid: want})
	defer track.Close()

	frame, err := track.ReadFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := frame.Image.RGBAAt(4, 4); got != want {
		t.Errorf("pixel = %v, want %v", got, want)
	}
}

func TestTestPatternTrack_ClosedReadFails(t *testing.T) {
	track := NewTestPatternTrack(TestPatternConfig{Width: 8, Height: 8})
	track.Close()

	if _, err := track.ReadFrame(context.Background()); !errors.Is(err, ErrTrackEnded) {
		t.Errorf("ReadFrame after Close = %v, want ErrTrackEnded", err)
	}
}

func TestTestPatternTrack_OverdueReadHonorsCancel(t *testing.T) {
	track := NewTestPatternTrack(TestPatternConfig{Width: 8, Height: 8})
	defer track.Close()
	track.startTime = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	frame, err := track.ReadFrame(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ReadFrame = %v, %v; want context.Canceled", frame, err)
	}
}
