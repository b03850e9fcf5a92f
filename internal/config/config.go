// Package config loads screenrec settings from a YAML file and SCREENREC_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCREENREC_FRAME_RATE.
const EnvPrefix = "SCREENREC"

// Config is the application configuration.
type Config struct {
	OutputDir        string        `mapstructure:"output_dir" validate:"required"`
	FilenamePrefix   string        `mapstructure:"filename_prefix" validate:"required,excludesall=/"`
	MaxWidth         int           `mapstructure:"max_width" validate:"min=160,max=7680"`
	FrameRate        int           `mapstructure:"frame_rate" validate:"min=1,max=120"`
	PrimaryScale     string        `mapstructure:"primary_scale" validate:"oneof=fit fill stretch"`
	Timeslice        time.Duration `mapstructure:"timeslice" validate:"min=10ms"`
	AudioSource      string        `mapstructure:"audio_source" validate:"oneof=none mic system both"`
	CaptureSecondary bool          `mapstructure:"capture_secondary"`
	ListenAddr       string        `mapstructure:"listen_addr" validate:"required"`
	AllowOrigins     []string      `mapstructure:"allow_origins"`
	LogLevel         string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat        string        `mapstructure:"log_format" validate:"oneof=json console"`

	Synthetic SyntheticConfig `mapstructure:"synthetic"`
}

// SyntheticConfig configures the built-in synthetic devices.
type SyntheticConfig struct {
	DisplayWidth   int  `mapstructure:"display_width" validate:"min=16"`
	DisplayHeight  int  `mapstructure:"display_height" validate:"min=16"`
	SystemAudio    bool `mapstructure:"system_audio"`
	DenyDisplay    bool `mapstructure:"deny_display"`
	DenyCamera     bool `mapstructure:"deny_camera"`
	DenyMicrophone bool `mapstructure:"deny_microphone"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_dir", ".")
	v.SetDefault("filename_prefix", "recording")
	v.SetDefault("max_width", 1280)
	v.SetDefault("frame_rate", 30)
	v.SetDefault("primary_scale", "fit")
	v.SetDefault("timeslice", time.Second)
	v.SetDefault("audio_source", "both")
	v.SetDefault("capture_secondary", true)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("allow_origins", []string{"*"})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("synthetic.display_width", 1920)
	v.SetDefault("synthetic.display_height", 1080)
	v.SetDefault("synthetic.system_audio", true)
	v.SetDefault("synthetic.deny_display", false)
	v.SetDefault("synthetic.deny_camera", false)
	v.SetDefault("synthetic.deny_microphone", false)
}

// New returns a viper instance with defaults and environment binding. When
// path is empty, screenrec.yaml is looked up in the working directory and
// its absence is not an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("screenrec")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load is New followed by FromViper.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}
