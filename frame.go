// Core frame and sample types used across the capture package.

package capture

import (
	"image"
	"time"
)

// VideoFrame is one decoded picture produced by a video track.
// Frames handed out by a track must not be mutated by the reader; tracks
// allocate a fresh image per frame so readers may keep them.
type VideoFrame struct {
	Image     *image.RGBA   // Pixel data, bounds start at (0,0)
	Timestamp time.Duration // Capture time relative to the track start
	Duration  time.Duration // Nominal frame duration (optional)
}

// Width returns the frame width in pixels.
func (f *VideoFrame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dx()
}

// Height returns the frame height in pixels.
func (f *VideoFrame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dy()
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
	if f.Image != nil {
		img := image.NewRGBA(f.Image.Rect)
		copy(img.Pix, f.Image.Pix)
		clone.Image = img
	}
	return clone
}

// AudioSamples is a block of interleaved signed 16-bit PCM.
type AudioSamples struct {
	Data       []int16       // Interleaved samples, len = Frames() * Channels
	SampleRate int           // Sample rate (e.g., 48000)
	Channels   int           // Number of channels (1 = mono, 2 = stereo)
	Timestamp  time.Duration // Capture time relative to the track start
}

// Frames returns the number of samples per channel.
func (s *AudioSamples) Frames() int {
	if s == nil || s.Channels <= 0 {
		return 0
	}
	return len(s.Data) / s.Channels
}

// Duration returns the playback duration of the block.
func (s *AudioSamples) Duration() time.Duration {
	if s == nil || s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Frames()) * time.Second / time.Duration(s.SampleRate)
}
