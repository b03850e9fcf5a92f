package capture

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// TestPatternConfig configures a test pattern track.
type TestPatternConfig struct {
	Width    int         // Frame width (default: 1280)
	Height   int         // Frame height (default: 720)
	FPS      int         // Frames per second (default: 30)
	Pattern  PatternType // Pattern type (default: ColorBars)
	Label    string
	DeviceID string

	// For SolidColor pattern
	Solid color.RGBA

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:       1280,
		Height:      720,
		FPS:         30,
		Pattern:     PatternColorBars,
		CheckerSize: 32,
	}
}

// TestPatternTrack is a VideoTrack producing synthetic frames at a fixed rate.
// ReadFrame paces itself against the wall clock; no goroutine is involved.
type TestPatternTrack struct {
	*BaseTrack
	config TestPatternConfig

	mu            sync.Mutex
	frameDuration time.Duration
	frameCount    uint64
	startTime     time.Time
	rngState      uint64
}

// NewTestPatternTrack creates a live test pattern track.
func NewTestPatternTrack(config TestPatternConfig) *TestPatternTrack {
	def := DefaultTestPatternConfig()
	if config.Width <= 0 {
		config.Width = def.Width
	}
	if config.Height <= 0 {
		config.Height = def.Height
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = def.CheckerSize
	}
	if config.Label == "" {
		config.Label = "Test Pattern (" + config.Pattern.String() + ")"
	}

	return &TestPatternTrack{
		BaseTrack:     NewBaseTrack("", config.Label, TrackKindVideo),
		config:        config,
		frameDuration: time.Second / time.Duration(config.FPS),
		startTime:     time.Now(),
		rngState:      uint64(time.Now().UnixNano()) | 1,
	}
}

// Settings implements VideoTrack.
func (t *TestPatternTrack) Settings() VideoTrackSettings {
	return VideoTrackSettings{
		Width:     t.config.Width,
		Height:    t.config.Height,
		FrameRate: t.config.FPS,
		DeviceID:  t.config.DeviceID,
	}
}

// ReadFrame implements VideoTrack.
func (t *TestPatternTrack) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	due := t.startTime.Add(time.Duration(t.frameCount) * t.frameDuration)
	if err := sleepUntil(ctx, t.done, due); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, t.config.Width, t.config.Height))
	t.generatePattern(img, t.frameCount)
	frame := &VideoFrame{
		Image:     img,
		Timestamp: time.Duration(t.frameCount) * t.frameDuration,
		Duration:  t.frameDuration,
	}
	t.frameCount++
	return frame, nil
}

// sleepUntil blocks until due, ctx is done or done is closed.
func sleepUntil(ctx context.Context, done <-chan struct{}, due time.Time) error {
	select {
	case <-done:
		return ErrTrackEnded
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrTrackEnded
	case <-timer.C:
		return nil
	}
}

func (t *TestPatternTrack) generatePattern(img *image.RGBA, frameNum uint64) {
	switch t.config.Pattern {
	case PatternGradient:
		t.generateGradient(img)
	case PatternCheckerboard:
		t.generateCheckerboard(img)
	case PatternSolidColor:
		fill(img, t.config.Solid)
	case PatternNoise:
		t.generateNoise(img)
	case PatternMovingBox:
		t.generateMovingBox(img, frameNum)
	default:
		t.generateColorBars(img)
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBars = []color.RGBA{
	{192, 192, 192, 255}, // White (75%)
	{192, 192, 0, 255},   // Yellow
	{0, 192, 192, 255},   // Cyan
	{0, 192, 0, 255},     // Green
	{192, 0, 192, 255},   // Magenta
	{192, 0, 0, 255},     // Red
	{0, 0, 192, 255},     // Blue
	{16, 16, 16, 255},    // Black
}

func (t *TestPatternTrack) generateColorBars(img *image.RGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	barWidth := max(w/len(colorBars), 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, colorBars[min(x/barWidth, len(colorBars)-1)])
		}
	}
}

func (t *TestPatternTrack) generateGradient(img *image.RGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x * 255) / w)
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
}

func (t *TestPatternTrack) generateCheckerboard(img *image.RGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	size := t.config.CheckerSize
	white, black := color.RGBA{235, 235, 235, 255}, color.RGBA{16, 16, 16, 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/size)+(y/size))%2 == 0 {
				img.SetRGBA(x, y, white)
			} else {
				img.SetRGBA(x, y, black)
			}
		}
	}
}

func (t *TestPatternTrack) generateNoise(img *image.RGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		// xorshift64
		t.rngState ^= t.rngState << 13
		t.rngState ^= t.rngState >> 7
		t.rngState ^= t.rngState << 17
		v := uint8(t.rngState)
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
}

func (t *TestPatternTrack) generateMovingBox(img *image.RGBA, frameNum uint64) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	fill(img, color.RGBA{16, 16, 16, 255})

	// The box moves in a circle around the center.
	boxSize := max(min(w, h)/7, 1)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	box := image.Rect(boxX, boxY, boxX+boxSize, boxY+boxSize).Intersect(img.Rect)
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			img.SetRGBA(x, y, color.RGBA{235, 235, 235, 255})
		}
	}
}

func fill(img *image.RGBA, c color.RGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
}
