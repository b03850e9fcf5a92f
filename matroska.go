package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Matroska codec IDs written by the built-in recorder.
const (
	CodecIDMJPEG = "V_MJPEG"
	CodecIDPCM   = "A_PCM/INT/LIT"
)

const (
	trackNumberVideo = 1
	trackNumberAudio = 2

	defaultJPEGQuality = 75
	closeTimeout       = 5 * time.Second
)

// MatroskaRecorderFactory records streams into Matroska with MJPEG video and
// 16-bit PCM audio. It only needs the standard library's JPEG encoder, so it
// is always available.
type MatroskaRecorderFactory struct {
	Logger *zap.Logger
}

// IsTypeSupported implements RecorderFactory.
func (f *MatroskaRecorderFactory) IsTypeSupported(mimeType string) bool {
	base, codecs := ParseMimeType(mimeType)
	if base != "video/x-matroska" {
		return false
	}
	for _, c := range codecs {
		if c != "mjpeg" && c != "pcm" {
			return false
		}
	}
	return true
}

// NewRecorder implements RecorderFactory.
func (f *MatroskaRecorderFactory) NewRecorder(stream MediaStream, options RecorderOptions) (MediaRecorder, error) {
	if stream == nil || len(stream.GetTracks()) == 0 {
		return nil, errors.New("matroska: stream has no tracks")
	}
	if options.MimeType == "" {
		options.MimeType = MatroskaMimeType
	}
	if !f.IsTypeSupported(options.MimeType) {
		return nil, fmt.Errorf("matroska: unsupported mime type %q", options.MimeType)
	}
	if options.Timeslice <= 0 {
		options.Timeslice = time.Second
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &MatroskaRecorder{
		options: options,
		logger:  logger,
	}
	if vt := stream.GetVideoTracks(); len(vt) > 0 {
		r.video = vt[0]
	}
	if at := stream.GetAudioTracks(); len(at) > 0 {
		r.audio = at[0]
	}
	return r, nil
}

// MatroskaRecorder is the MediaRecorder returned by MatroskaRecorderFactory.
type MatroskaRecorder struct {
	options RecorderOptions
	logger  *zap.Logger
	video   VideoTrack
	audio   AudioTrack

	state  atomic.Int32
	mu     sync.Mutex // serializes state transitions
	emitMu sync.Mutex // held while a chunk is delivered
	clock  mediaClock

	sink    *chunkSink
	writers []webm.BlockWriteCloser
	cancel  context.CancelFunc
	fatal   chan error
	started bool
}

// State implements MediaRecorder.
func (r *MatroskaRecorder) State() RecorderState { return RecorderState(r.state.Load()) }

// MimeType implements MediaRecorder.
func (r *MatroskaRecorder) MimeType() string { return r.options.MimeType }

// Start implements MediaRecorder.
func (r *MatroskaRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("matroska: recorder already started")
	}

	var (
		entries   []webm.TrackEntry
		videoSize [2]int
		audioFmt  AudioTrackSettings
	)
	if r.video != nil {
		s := r.video.Settings()
		videoSize = [2]int{s.Width, s.Height}
		if videoSize[0] <= 0 || videoSize[1] <= 0 {
			videoSize = [2]int{DefaultSourceWidth, DefaultSourceHeight}
		}
		fps := s.FrameRate
		if fps <= 0 {
			fps = 30
		}
		entries = append(entries, webm.TrackEntry{
			Name:            "Video",
			TrackNumber:     trackNumberVideo,
			TrackUID:        trackNumberVideo,
			CodecID:         CodecIDMJPEG,
			TrackType:       1,
			DefaultDuration: uint64(time.Second / time.Duration(fps)),
			Video: &webm.Video{
				PixelWidth:  uint64(videoSize[0]),
				PixelHeight: uint64(videoSize[1]),
			},
		})
	}
	if r.audio != nil {
		audioFmt = r.audio.Settings()
		if audioFmt.SampleRate <= 0 {
			audioFmt.SampleRate = 48000
		}
		if audioFmt.ChannelCount <= 0 {
			audioFmt.ChannelCount = 2
		}
		entries = append(entries, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: trackNumberAudio,
			TrackUID:    trackNumberAudio,
			CodecID:     CodecIDPCM,
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(audioFmt.SampleRate),
				Channels:          uint64(audioFmt.ChannelCount),
			},
		})
	}

	r.sink = newChunkSink()
	r.fatal = make(chan error, 1)
	writers, err := webm.NewSimpleBlockWriter(r.sink, entries,
		mkvcore.WithEBMLHeader(matroskaHeader()),
		mkvcore.WithSegmentInfo(&webm.Info{
			TimecodeScale: uint64(time.Millisecond),
			MuxingApp:     "capture",
			WritingApp:    "capture",
		}),
		mkvcore.WithOnErrorHandler(func(err error) {
			r.logger.Debug("matroska block dropped", zap.Error(err))
		}),
		mkvcore.WithOnFatalHandler(func(err error) {
			select {
			case r.fatal <- err:
			default:
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("matroska: create writer: %w", err)
	}
	r.writers = writers
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)

	idx := 0
	if r.video != nil {
		w := writers[idx]
		idx++
		quality := jpegQuality(r.options.VideoBitsPerSecond, videoSize[0], videoSize[1], r.video.Settings().FrameRate)
		g.Go(func() error { return r.pumpVideo(gctx, w, videoSize[0], videoSize[1], quality) })
	}
	if r.audio != nil {
		w := writers[idx]
		g.Go(func() error { return r.pumpAudio(gctx, w, audioFmt.SampleRate, audioFmt.ChannelCount) })
	}
	g.Go(func() error {
		select {
		case err := <-r.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error { return r.flushLoop(gctx) })

	r.clock.start(time.Now())
	r.state.Store(int32(RecorderRecording))
	go r.finish(g)
	return nil
}

// Pause implements MediaRecorder. It returns after any in-flight chunk was delivered.
func (r *MatroskaRecorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != RecorderRecording {
		return
	}
	r.emitMu.Lock()
	r.state.Store(int32(RecorderPaused))
	r.clock.pause(time.Now())
	r.emitMu.Unlock()
}

// Resume implements MediaRecorder.
func (r *MatroskaRecorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != RecorderPaused {
		return
	}
	r.clock.resume(time.Now())
	r.state.Store(int32(RecorderRecording))
}

// Stop implements MediaRecorder. The final chunk and OnStop follow asynchronously.
func (r *MatroskaRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == RecorderInactive || !r.started {
		return
	}
	r.state.Store(int32(RecorderInactive))
	r.cancel()
}

// finish waits for the pumps, closes the container and reports the outcome.
func (r *MatroskaRecorder) finish(g *errgroup.Group) {
	err := g.Wait()

	for _, w := range r.writers {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	select {
	case <-r.sink.done:
	case <-time.After(closeTimeout):
		if err == nil {
			err = errors.New("matroska: timed out closing container")
		}
	}
	if err == nil {
		select {
		case err = <-r.fatal:
		default:
		}
	}

	r.mu.Lock()
	r.state.Store(int32(RecorderInactive))
	r.cancel()
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("matroska recorder failed", zap.Error(err))
		if h := r.options.Handlers.OnError; h != nil {
			h(err)
		}
		return
	}

	r.emit()
	if h := r.options.Handlers.OnStop; h != nil {
		h()
	}
}

func (r *MatroskaRecorder) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.options.Timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.State() == RecorderRecording {
				r.emit()
			}
		}
	}
}

// emit delivers buffered container bytes. It is a no-op while paused.
func (r *MatroskaRecorder) emit() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.State() == RecorderPaused {
		return
	}
	chunk := r.sink.take()
	if len(chunk) == 0 {
		return
	}
	if h := r.options.Handlers.OnData; h != nil {
		h(chunk)
	}
}

func (r *MatroskaRecorder) pumpVideo(ctx context.Context, w webm.BlockWriteCloser, width, height, quality int) error {
	var buf bytes.Buffer
	for {
		frame, err := r.video.ReadFrame(ctx)
		if err != nil {
			return readErr(ctx, err)
		}
		if r.State() != RecorderRecording || frame == nil || frame.Image == nil {
			continue
		}
		if frame.Width() != width || frame.Height() != height {
			frame = ScaleFrame(frame, width, height, ScaleModeStretch)
		}
		sample, err := encodeJPEG(&buf, frame, quality)
		if err != nil {
			return fmt.Errorf("encode video: %w", err)
		}
		if err := writeSample(w, true, r.clock.now(time.Now()), sample); err != nil {
			return err
		}
	}
}

func (r *MatroskaRecorder) pumpAudio(ctx context.Context, w webm.BlockWriteCloser, rate, channels int) error {
	for {
		block, err := r.audio.ReadSamples(ctx)
		if err != nil {
			return readErr(ctx, err)
		}
		if r.State() != RecorderRecording || block.Frames() == 0 {
			continue
		}
		sample := encodePCM(block, rate, channels)
		pts := r.clock.now(time.Now()) - sample.Duration
		if err := writeSample(w, true, max(pts, 0), sample); err != nil {
			return err
		}
	}
}

// readErr maps a track read failure to a pump result. Cancellation and ended
// tracks finish the pump cleanly.
func readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrTrackEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func writeSample(w webm.BlockWriteCloser, keyframe bool, pts time.Duration, sample media.Sample) error {
	if _, err := w.Write(keyframe, pts.Milliseconds(), sample.Data); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	return nil
}

func encodeJPEG(buf *bytes.Buffer, frame *VideoFrame, quality int) (media.Sample, error) {
	buf.Reset()
	if err := jpeg.Encode(buf, frame.Image, &jpeg.Options{Quality: quality}); err != nil {
		return media.Sample{}, err
	}
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return media.Sample{Data: data, Duration: frame.Duration}, nil
}

func encodePCM(block *AudioSamples, rate, channels int) media.Sample {
	pcm := block.Data
	if block.SampleRate != rate || block.Channels != channels {
		pcm = convertSamples(block, rate, channels)
	}
	data := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return media.Sample{Data: data, Duration: block.Duration()}
}

// jpegQuality maps the bitrate budget per pixel to a JPEG quality.
func jpegQuality(bitsPerSecond, width, height, fps int) int {
	if bitsPerSecond <= 0 || width <= 0 || height <= 0 {
		return defaultJPEGQuality
	}
	if fps <= 0 {
		fps = 30
	}
	q := int(int64(bitsPerSecond) * 1000 / (int64(width) * int64(height) * int64(fps)))
	return min(max(q, 10), 95)
}

func matroskaHeader() *webm.EBMLHeader {
	return &webm.EBMLHeader{
		EBMLVersion:        1,
		EBMLReadVersion:    1,
		EBMLMaxIDLength:    4,
		EBMLMaxSizeLength:  8,
		DocType:            "matroska",
		DocTypeVersion:     4,
		DocTypeReadVersion: 2,
	}
}

// mediaClock measures recording time with paused spans removed.
type mediaClock struct {
	mu       sync.Mutex
	origin   time.Time
	pausedAt time.Time
	paused   time.Duration
}

func (c *mediaClock) start(now time.Time) {
	c.mu.Lock()
	c.origin = now
	c.mu.Unlock()
}

func (c *mediaClock) pause(now time.Time) {
	c.mu.Lock()
	c.pausedAt = now
	c.mu.Unlock()
}

func (c *mediaClock) resume(now time.Time) {
	c.mu.Lock()
	if !c.pausedAt.IsZero() {
		c.paused += now.Sub(c.pausedAt)
		c.pausedAt = time.Time{}
	}
	c.mu.Unlock()
}

func (c *mediaClock) now(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pausedAt.IsZero() {
		now = c.pausedAt
	}
	return now.Sub(c.origin) - c.paused
}

// chunkSink buffers container bytes between emissions.
type chunkSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	done   chan struct{}
	closed sync.Once
}

func newChunkSink() *chunkSink {
	return &chunkSink{done: make(chan struct{})}
}

func (s *chunkSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *chunkSink) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

func (s *chunkSink) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	s.buf.Reset()
	return out
}
