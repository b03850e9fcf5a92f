package capture

import (
	"context"
	"math"
	"sync"
	"time"
)

// AudioPatternType defines the type of audio test pattern.
type AudioPatternType int

const (
	AudioPatternSilence    AudioPatternType = iota // Silence
	AudioPatternSineWave                           // Sine wave tone
	AudioPatternSquareWave                         // Square wave tone
	AudioPatternWhiteNoise                         // White noise
	AudioPatternSweep                              // Frequency sweep
)

func (p AudioPatternType) String() string {
	switch p {
	case AudioPatternSilence:
		return "Silence"
	case AudioPatternSineWave:
		return "SineWave"
	case AudioPatternSquareWave:
		return "SquareWave"
	case AudioPatternWhiteNoise:
		return "WhiteNoise"
	case AudioPatternSweep:
		return "Sweep"
	default:
		return "Unknown"
	}
}

// ToneConfig configures a synthetic audio track.
type ToneConfig struct {
	SampleRate int              // Sample rate (default: 48000)
	Channels   int              // Number of channels (default: 2)
	FrameSize  int              // Samples per channel per block (default: 960 = 20ms at 48kHz)
	Pattern    AudioPatternType // Pattern type
	Frequency  float64          // Tone frequency in Hz (default: 440)
	Amplitude  float64          // Amplitude 0.0-1.0 (default: 0.5)
	Label      string
	DeviceID   string

	// For sweep pattern
	SweepStartHz  float64
	SweepEndHz    float64
	SweepDuration time.Duration
}

// DefaultToneConfig returns a default tone configuration.
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		SampleRate:    48000,
		Channels:      2,
		FrameSize:     960,
		Pattern:       AudioPatternSineWave,
		Frequency:     440.0, // A4
		Amplitude:     0.5,
		SweepStartHz:  200,
		SweepEndHz:    2000,
		SweepDuration: 2 * time.Second,
	}
}

// ToneTrack is an AudioTrack producing synthetic samples in real time.
type ToneTrack struct {
	*BaseTrack
	config ToneConfig

	mu          sync.Mutex
	blockDur    time.Duration
	sampleCount uint64
	startTime   time.Time
	phase       float64
	rngState    uint64
}

// NewToneTrack creates a live tone track.
func NewToneTrack(config ToneConfig) *ToneTrack {
	def := DefaultToneConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Channels <= 0 {
		config.Channels = def.Channels
	}
	if config.FrameSize <= 0 {
		config.FrameSize = config.SampleRate / 50
	}
	if config.Frequency <= 0 {
		config.Frequency = def.Frequency
	}
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = def.Amplitude
	}
	if config.SweepStartHz <= 0 || config.SweepEndHz <= 0 {
		config.SweepStartHz, config.SweepEndHz = def.SweepStartHz, def.SweepEndHz
	}
	if config.SweepDuration <= 0 {
		config.SweepDuration = def.SweepDuration
	}
	if config.Label == "" {
		config.Label = "Tone (" + config.Pattern.String() + ")"
	}

	return &ToneTrack{
		BaseTrack: NewBaseTrack("", config.Label, TrackKindAudio),
		config:    config,
		blockDur:  time.Duration(config.FrameSize) * time.Second / time.Duration(config.SampleRate),
		startTime: time.Now(),
		rngState:  uint64(time.Now().UnixNano()) | 1,
	}
}

// Settings implements AudioTrack.
func (t *ToneTrack) Settings() AudioTrackSettings {
	return AudioTrackSettings{
		SampleRate:   t.config.SampleRate,
		ChannelCount: t.config.Channels,
		DeviceID:     t.config.DeviceID,
	}
}

// ReadSamples implements AudioTrack.
func (t *ToneTrack) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := time.Duration(t.sampleCount) * time.Second / time.Duration(t.config.SampleRate)
	if err := sleepUntil(ctx, t.done, t.startTime.Add(ts+t.blockDur)); err != nil {
		return nil, err
	}

	data := make([]int16, t.config.FrameSize*t.config.Channels)
	t.generate(data)
	t.sampleCount += uint64(t.config.FrameSize)
	return &AudioSamples{
		Data:       data,
		SampleRate: t.config.SampleRate,
		Channels:   t.config.Channels,
		Timestamp:  ts,
	}, nil
}

func (t *ToneTrack) generate(data []int16) {
	amplitude := t.config.Amplitude * 32767.0
	freq := t.config.Frequency
	if t.config.Pattern == AudioPatternSweep {
		// Logarithmic frequency sweep
		sweepSamples := float64(t.config.SampleRate) * t.config.SweepDuration.Seconds()
		progress := math.Mod(float64(t.sampleCount), sweepSamples) / sweepSamples
		logStart, logEnd := math.Log(t.config.SweepStartHz), math.Log(t.config.SweepEndHz)
		freq = math.Exp(logStart + progress*(logEnd-logStart))
	}
	phaseIncrement := 2.0 * math.Pi * freq / float64(t.config.SampleRate)

	ch := t.config.Channels
	for i := 0; i < t.config.FrameSize; i++ {
		var v float64
		switch t.config.Pattern {
		case AudioPatternSineWave, AudioPatternSweep:
			v = math.Sin(t.phase)
		case AudioPatternSquareWave:
			v = 1
			if math.Sin(t.phase) < 0 {
				v = -1
			}
		case AudioPatternWhiteNoise:
			// xorshift64
			t.rngState ^= t.rngState << 13
			t.rngState ^= t.rngState >> 7
			t.rngState ^= t.rngState << 17
			v = (float64(t.rngState)/float64(^uint64(0)))*2.0 - 1.0
		}
		t.phase += phaseIncrement
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}

		sample := int16(amplitude * v)
		for c := 0; c < ch; c++ {
			data[i*ch+c] = sample
		}
	}
}
