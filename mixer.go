package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MixConfig configures the audio mix graph.
type MixConfig struct {
	SampleRate  int           // Graph sample rate (default 48000)
	Channels    int           // Graph channel count (default 2)
	Quantum     time.Duration // Render quantum (default 20ms)
	MaxBuffered time.Duration // Per-input backlog before old audio is dropped (default 200ms)
	Logger      *zap.Logger
}

// DefaultMixConfig returns the default mix configuration.
func DefaultMixConfig() MixConfig {
	return MixConfig{
		SampleRate:  48000,
		Channels:    2,
		Quantum:     20 * time.Millisecond,
		MaxBuffered: 200 * time.Millisecond,
	}
}

func (c MixConfig) withDefaults() MixConfig {
	def := DefaultMixConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.Quantum <= 0 {
		c.Quantum = def.Quantum
	}
	if c.MaxBuffered < c.Quantum {
		c.MaxBuffered = def.MaxBuffered
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// MixGraph sums N audio inputs into one output track. Every input is read by
// its own source node; the destination renders one quantum at a time.
type MixGraph struct {
	config MixConfig
	inputs []*mixInput
	output *LocalAudioTrack

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type mixInput struct {
	track AudioTrack
	mu    sync.Mutex
	buf   []int16 // interleaved, graph format
	max   int     // max samples held in buf
}

// Mix builds a graph over tracks. It returns nil when tracks is empty.
func Mix(tracks []AudioTrack, config MixConfig) *MixGraph {
	var live []AudioTrack
	for _, t := range tracks {
		if t != nil {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	g := &MixGraph{
		config: config,
		output: NewLocalAudioTrack("mix", AudioTrackSettings{
			SampleRate:   config.SampleRate,
			ChannelCount: config.Channels,
		}, 0),
		cancel: cancel,
	}
	maxSamples := int(int64(config.SampleRate)*int64(config.MaxBuffered)/int64(time.Second)) * config.Channels
	for _, t := range live {
		in := &mixInput{track: t, max: maxSamples}
		g.inputs = append(g.inputs, in)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.pump(ctx, in)
		}()
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.render(ctx)
	}()

	config.Logger.Debug("mix graph started", zap.Int("inputs", len(live)))
	return g
}

// Output returns the mixed track.
func (g *MixGraph) Output() AudioTrack { return g.output }

// Inputs returns the number of connected sources.
func (g *MixGraph) Inputs() int { return len(g.inputs) }

func (g *MixGraph) pump(ctx context.Context, in *mixInput) {
	for {
		block, err := in.track.ReadSamples(ctx)
		if err != nil || ctx.Err() != nil {
			return
		}
		converted := convertSamples(block, g.config.SampleRate, g.config.Channels)
		in.mu.Lock()
		in.buf = append(in.buf, converted...)
		if over := len(in.buf) - in.max; over > 0 {
			over += over % g.config.Channels
			in.buf = in.buf[over:]
		}
		in.mu.Unlock()
	}
}

func (g *MixGraph) render(ctx context.Context) {
	frames := int(int64(g.config.SampleRate) * int64(g.config.Quantum) / int64(time.Second))
	ticker := time.NewTicker(g.config.Quantum)
	defer ticker.Stop()

	var rendered time.Duration
	acc := make([]int32, frames*g.config.Channels)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		clear(acc)
		for _, in := range g.inputs {
			in.mu.Lock()
			n := min(len(acc), len(in.buf))
			for i := 0; i < n; i++ {
				acc[i] += int32(in.buf[i])
			}
			in.buf = in.buf[n:]
			in.mu.Unlock()
		}

		out := make([]int16, len(acc))
		for i, v := range acc {
			out[i] = saturate16(v)
		}
		block := &AudioSamples{
			Data:       out,
			SampleRate: g.config.SampleRate,
			Channels:   g.config.Channels,
			Timestamp:  rendered,
		}
		rendered += g.config.Quantum
		if err := g.output.WriteSamples(block); err != nil {
			return
		}
	}
}

// Close disconnects every input and ends the output track. Input tracks are
// not stopped.
func (g *MixGraph) Close() error {
	if g == nil {
		return nil
	}
	g.closeOnce.Do(func() {
		g.cancel()
		g.wg.Wait()
		g.output.Close()
	})
	return nil
}

func saturate16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// convertSamples converts a block to rate/channels using nearest-neighbour
// resampling. Mono is duplicated on upmix; downmix to mono averages.
func convertSamples(s *AudioSamples, rate, channels int) []int16 {
	inFrames := s.Frames()
	if inFrames == 0 {
		return nil
	}
	inRate := s.SampleRate
	if inRate <= 0 {
		inRate = rate
	}
	inCh := s.Channels

	outFrames := inFrames
	if inRate != rate {
		outFrames = int(int64(inFrames) * int64(rate) / int64(inRate))
	}
	if inCh == channels && outFrames == inFrames {
		out := make([]int16, len(s.Data))
		copy(out, s.Data)
		return out
	}

	out := make([]int16, outFrames*channels)
	for i := 0; i < outFrames; i++ {
		src := i
		if outFrames != inFrames {
			src = int(int64(i) * int64(inRate) / int64(rate))
		}
		frame := s.Data[src*inCh : src*inCh+inCh]
		for c := 0; c < channels; c++ {
			var v int16
			switch {
			case inCh == channels:
				v = frame[c]
			case channels == 1:
				var sum int32
				for _, x := range frame {
					sum += int32(x)
				}
				v = int16(sum / int32(inCh))
			default:
				v = frame[c%inCh]
			}
			out[i*channels+c] = v
		}
	}
	return out
}
