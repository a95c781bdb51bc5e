package midiroll

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"

	"github.com/cbegin/midiroll/internal/errkind"
	"github.com/cbegin/midiroll/internal/sequencer"
)

const (
	DefaultSampleRate = 44100
	// DefaultBudget matches the piano-roll palette, one color per channel.
	DefaultBudget = 16
)

type Config struct {
	SampleRate   int
	Transpose    int     // semitones
	Volume       float64 // output gain after normalization, 1 = full scale
	TrailingPad  time.Duration
	Budget       int
	Engines      int           // synthesizer instances mixed together; each adds its channels
	BlockTimeout time.Duration // <0 disables the per-block deadline
	Logger       *slog.Logger
	OnProgress   func(done int, total int)
}

func DefaultConfig() Config {
	return Config{
		SampleRate:   DefaultSampleRate,
		Volume:       1,
		TrailingPad:  sequencer.DefaultTrailingPad,
		Budget:       DefaultBudget,
		Engines:      1,
		BlockTimeout: sequencer.DefaultBlockTimeout,
	}
}

type Option func(*Config)

func WithSampleRate(sampleRate int) Option {
	return func(cfg *Config) {
		cfg.SampleRate = sampleRate
	}
}

func WithTranspose(semitones int) Option {
	return func(cfg *Config) {
		cfg.Transpose = semitones
	}
}

func WithVolume(volume float64) Option {
	return func(cfg *Config) {
		cfg.Volume = volume
	}
}

// WithTrailingPad sets the silence rendered after the last event. Zero
// renders none.
func WithTrailingPad(pad time.Duration) Option {
	return func(cfg *Config) {
		cfg.TrailingPad = pad
	}
}

// WithBudget sets the channel palette size. Scores with more tracks than
// the budget are condensed.
func WithBudget(budget int) Option {
	return func(cfg *Config) {
		cfg.Budget = budget
	}
}

// WithEngines mixes n synthesizer instances so scores can use n times the
// channels of one engine.
func WithEngines(n int) Option {
	return func(cfg *Config) {
		cfg.Engines = n
	}
}

func WithBlockTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.BlockTimeout = timeout
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithProgress installs a callback invoked after each timeline event is
// rendered. It runs on the rendering goroutine.
func WithProgress(fn func(done int, total int)) Option {
	return func(cfg *Config) {
		cfg.OnProgress = fn
	}
}

// WithConfig replaces the whole configuration, e.g. one read by LoadConfig.
func WithConfig(c Config) Option {
	return func(cfg *Config) {
		*cfg = c
	}
}

func newConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return errkind.New(errkind.Configuration, fmt.Sprintf("sample rate must be positive, got %d", c.SampleRate))
	case c.Budget <= 0:
		return errkind.New(errkind.Configuration, fmt.Sprintf("channel budget must be positive, got %d", c.Budget))
	case c.Engines <= 0:
		return errkind.New(errkind.Configuration, fmt.Sprintf("engine count must be positive, got %d", c.Engines))
	case c.Volume < 0:
		return errkind.New(errkind.Configuration, fmt.Sprintf("volume must not be negative, got %g", c.Volume))
	case c.TrailingPad < 0:
		return errkind.New(errkind.Configuration, fmt.Sprintf("trailing pad must not be negative, got %s", c.TrailingPad))
	}
	return nil
}

// fileConfig is the JSON form of Config. Absent fields keep their defaults.
type fileConfig struct {
	SampleRate   *int     `json:"sample_rate"`
	Transpose    *int     `json:"transpose"`
	Volume       *float64 `json:"volume"`
	TrailingPad  string   `json:"trailing_pad"`
	Budget       *int     `json:"budget"`
	Engines      *int     `json:"engines"`
	BlockTimeout string   `json:"block_timeout"`
}

// LoadConfig reads a JSON config file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errkind.Wrap(err, errkind.Configuration, fmt.Sprintf("read config %s", path))
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg, errkind.Wrap(err, errkind.Configuration, fmt.Sprintf("parse config %s", path))
	}
	if fc.SampleRate != nil {
		cfg.SampleRate = *fc.SampleRate
	}
	if fc.Transpose != nil {
		cfg.Transpose = *fc.Transpose
	}
	if fc.Volume != nil {
		cfg.Volume = *fc.Volume
	}
	if fc.Budget != nil {
		cfg.Budget = *fc.Budget
	}
	if fc.Engines != nil {
		cfg.Engines = *fc.Engines
	}
	if fc.TrailingPad != "" {
		if cfg.TrailingPad, err = time.ParseDuration(fc.TrailingPad); err != nil {
			return cfg, errkind.Wrap(err, errkind.Configuration, "trailing_pad")
		}
	}
	if fc.BlockTimeout != "" {
		if cfg.BlockTimeout, err = time.ParseDuration(fc.BlockTimeout); err != nil {
			return cfg, errkind.Wrap(err, errkind.Configuration, "block_timeout")
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fault.Wrap(err, fmsg.With(path))
	}
	return cfg, nil
}
