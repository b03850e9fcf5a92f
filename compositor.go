package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// CompositorConfig configures the picture-in-picture compositor.
type CompositorConfig struct {
	MaxWidth        int           // Canvas width cap; sources are only downscaled
	FPS             int           // Frame rate advertised by the output track
	Interval        time.Duration // Delay between draws, measured from the end of a draw
	OverlayFraction float64       // Overlay side as a fraction of the canvas width
	Margin          int           // Overlay inset from the bottom-right corner
	Radius          int           // Overlay corner radius
	PrimaryScale    ScaleMode     // How a primary frame off the canvas aspect is drawn
	Background      color.RGBA
	Logger          *zap.Logger
}

// DefaultCompositorConfig returns the default compositor configuration.
func DefaultCompositorConfig() CompositorConfig {
	return CompositorConfig{
		MaxWidth:        1280,
		FPS:             30,
		Interval:        33 * time.Millisecond,
		OverlayFraction: 0.22,
		Margin:          16,
		Radius:          14,
		Background:      color.RGBA{A: 0xff},
	}
}

// Compositor draws a primary video source full frame with an optional
// secondary source as a mirrored rounded square in the bottom-right corner.
type Compositor struct {
	config CompositorConfig
}

// NewCompositor creates a compositor. Zero fields take their defaults.
func NewCompositor(config CompositorConfig) *Compositor {
	def := DefaultCompositorConfig()
	if config.MaxWidth <= 0 {
		config.MaxWidth = def.MaxWidth
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}
	if config.Interval <= 0 {
		config.Interval = time.Second / time.Duration(config.FPS)
	}
	if config.OverlayFraction <= 0 {
		config.OverlayFraction = def.OverlayFraction
	}
	if config.Margin < 0 {
		config.Margin = 0
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Compositor{config: config}
}

// Config returns the effective configuration.
func (c *Compositor) Config() CompositorConfig { return c.config }

// CompositeOutput is a running composition. It reads from, but does not own,
// its source tracks.
type CompositeOutput struct {
	track  *LocalVideoTrack
	width  int
	height int

	primary   *latestFrame
	secondary *latestFrame

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	frames   atomic.Uint64
	last     atomic.Pointer[VideoFrame]
}

// latestFrame plays a track and keeps only its newest frame, like a video
// element the canvas is drawn from.
type latestFrame struct {
	frame atomic.Pointer[VideoFrame]
}

func (l *latestFrame) pump(ctx context.Context, track VideoTrack) {
	for {
		frame, err := track.ReadFrame(ctx)
		if err != nil || ctx.Err() != nil {
			return
		}
		if frame != nil && frame.Image != nil {
			l.frame.Store(frame)
		}
	}
}

func (l *latestFrame) load() *VideoFrame {
	if l == nil {
		return nil
	}
	return l.frame.Load()
}

// Start begins compositing primary with an optional secondary (may be nil).
func (c *Compositor) Start(primary, secondary VideoTrack) (*CompositeOutput, error) {
	if primary == nil {
		return nil, errors.New("compositor: primary source is required")
	}

	settings := primary.Settings()
	width, height := CanvasSize(settings.Width, settings.Height, c.config.MaxWidth)

	ctx, cancel := context.WithCancel(context.Background())
	out := &CompositeOutput{
		track: NewLocalVideoTrack("composite", VideoTrackSettings{
			Width:     width,
			Height:    height,
			FrameRate: c.config.FPS,
		}),
		width:   width,
		height:  height,
		primary: &latestFrame{},
		cancel:  cancel,
	}

	out.wg.Add(1)
	go func() {
		defer out.wg.Done()
		out.primary.pump(ctx, primary)
	}()
	if secondary != nil {
		out.secondary = &latestFrame{}
		out.wg.Add(1)
		go func() {
			defer out.wg.Done()
			out.secondary.pump(ctx, secondary)
		}()
	}

	out.wg.Add(1)
	go func() {
		defer out.wg.Done()
		c.loop(ctx, out)
	}()

	c.config.Logger.Debug("compositor started",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Bool("overlay", secondary != nil))
	return out, nil
}

func (c *Compositor) loop(ctx context.Context, out *CompositeOutput) {
	start := time.Now()
	frameDuration := time.Second / time.Duration(c.config.FPS)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		canvas := c.draw(out.width, out.height, out.primary.load(), out.secondary.load())
		frame := &VideoFrame{
			Image:     canvas,
			Timestamp: time.Since(start),
			Duration:  frameDuration,
		}
		if err := out.track.WriteFrame(frame); err != nil {
			return
		}
		out.last.Store(frame)
		out.frames.Add(1)
		timer.Reset(c.config.Interval)
	}
}

// draw renders one composite frame. A missing primary frame leaves the
// background visible, as do the bars around a letterboxed one.
func (c *Compositor) draw(width, height int, primary, secondary *VideoFrame) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(c.config.Background), image.Point{}, draw.Src)

	if primary != nil {
		dr, sr := scaleRects(primary.Image.Bounds(), canvas.Bounds(), c.config.PrimaryScale)
		draw.ApproxBiLinear.Scale(canvas, dr, primary.Image, sr, draw.Src, nil)
	}

	if secondary != nil {
		c.drawOverlay(canvas, secondary.Image)
	}
	return canvas
}

// OverlayRect returns where the secondary source is placed on a canvas.
func (c *Compositor) OverlayRect(width, height int) image.Rectangle {
	side := int(float64(width) * c.config.OverlayFraction)
	x := width - side - c.config.Margin
	y := height - side - c.config.Margin
	return image.Rect(x, y, x+side, y+side)
}

func (c *Compositor) drawOverlay(canvas *image.RGBA, src *image.RGBA) {
	dr := c.OverlayRect(canvas.Rect.Dx(), canvas.Rect.Dy())
	side := dr.Dx()
	if side <= 0 {
		return
	}

	tile := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.CatmullRom.Scale(tile, tile.Bounds(), src, CenterSquare(src.Bounds()), draw.Src, nil)
	mirrorHorizontal(tile)

	radius := min(c.config.Radius, side/2)
	mask := roundedRect{rect: image.Rect(0, 0, side, side), radius: radius}
	draw.DrawMask(canvas, dr, tile, image.Point{}, mask, image.Point{}, draw.Over)
}

// Track returns the composited video track.
func (o *CompositeOutput) Track() VideoTrack { return o.track }

// Size returns the canvas dimensions.
func (o *CompositeOutput) Size() (width, height int) { return o.width, o.height }

// FramesDrawn returns the number of frames produced so far.
func (o *CompositeOutput) FramesDrawn() uint64 { return o.frames.Load() }

// LastFrame returns the most recently drawn frame, or nil before the first
// draw. The frame must not be modified.
func (o *CompositeOutput) LastFrame() *VideoFrame { return o.last.Load() }

// Stop cancels the draw loop, waits for it to exit and ends the output track.
// Source tracks are left untouched.
func (o *CompositeOutput) Stop() error {
	o.stopOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
		o.track.Close()
	})
	return nil
}
