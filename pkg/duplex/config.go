package duplex

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defaults.
const (
	// DefaultReadBufferSize is the size of each transport read (64 KB).
	DefaultReadBufferSize = 64 * 1024

	// DefaultInboundQueueDepth is how many transport reads the read pump
	// may run ahead of the scheduler.
	DefaultInboundQueueDepth = 4

	// DefaultHighWatermark stops admitting writes once this many bytes wait
	// for the transport (256 KB).
	DefaultHighWatermark = 256 * 1024

	// DefaultLowWatermark resumes admitting writes once the backlog drops to
	// this many bytes (128 KB).
	DefaultLowWatermark = 128 * 1024

	// DefaultCloseTimeout bounds Shutdown inside Close and the worker join.
	DefaultCloseTimeout = 5 * time.Second
)

// Config configures a Stream. Zero fields take their defaults.
type Config struct {
	// ReadBufferSize is the size of each transport read.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// InboundQueueDepth bounds transport reads buffered ahead of the scheduler.
	InboundQueueDepth int `yaml:"inbound_queue_depth"`

	// HighWatermark is the outbound backlog (bytes queued or being written)
	// at which writes stop being admitted.
	HighWatermark int `yaml:"high_watermark"`

	// LowWatermark is the backlog at which admission resumes. Only defaulted
	// when HighWatermark is also zero.
	LowWatermark int `yaml:"low_watermark"`

	// ReadTimeout bounds each Read (0 = no timeout).
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds each Write, Flush and UpdateKeys (0 = no timeout).
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// CloseTimeout bounds Shutdown and the worker join during Close.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// RekeyInterval requests a key update this often on engines that
	// support it (0 = never).
	RekeyInterval time.Duration `yaml:"rekey_interval"`
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:    DefaultReadBufferSize,
		InboundQueueDepth: DefaultInboundQueueDepth,
		HighWatermark:     DefaultHighWatermark,
		LowWatermark:      DefaultLowWatermark,
		CloseTimeout:      DefaultCloseTimeout,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.InboundQueueDepth == 0 {
		c.InboundQueueDepth = DefaultInboundQueueDepth
	}
	if c.HighWatermark == 0 {
		c.HighWatermark = DefaultHighWatermark
		if c.LowWatermark == 0 {
			c.LowWatermark = DefaultLowWatermark
		}
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()

	var errs []error
	if c.ReadBufferSize < 0 {
		errs = append(errs, fmt.Errorf("read_buffer_size must be positive, got %d", c.ReadBufferSize))
	}
	if c.InboundQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("inbound_queue_depth must be positive, got %d", c.InboundQueueDepth))
	}
	if c.HighWatermark < 0 || c.LowWatermark < 0 {
		errs = append(errs, errors.New("watermarks must not be negative"))
	} else if c.LowWatermark >= c.HighWatermark {
		errs = append(errs, fmt.Errorf("low_watermark (%d) must be below high_watermark (%d)", c.LowWatermark, c.HighWatermark))
	}
	for name, d := range map[string]time.Duration{
		"read_timeout":   c.ReadTimeout,
		"write_timeout":  c.WriteTimeout,
		"close_timeout":  c.CloseTimeout,
		"rekey_interval": c.RekeyInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", name, d))
		}
	}
	return errors.Join(errs...)
}

// ConfigError reports a configuration file that could not be loaded.
type ConfigError struct {
	// File is the path, empty for ParseConfig.
	File string

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.File == "" {
		return msg
	}
	return e.File + ": " + msg
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ParseConfig parses YAML into a Config. Keys absent from data keep their
// defaults, except that a custom high_watermark without a low_watermark
// gets half of it as the low one. Durations use Go syntax ("250ms", "5s").
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &ConfigError{Message: "failed to parse YAML", Cause: err}
	}

	var set struct {
		LowWatermark *int `yaml:"low_watermark"`
	}
	if err := yaml.Unmarshal(data, &set); err != nil {
		return Config{}, &ConfigError{Message: "failed to parse YAML", Cause: err}
	}
	if set.LowWatermark == nil && cfg.HighWatermark != DefaultHighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 2
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, &ConfigError{Message: "invalid configuration", Cause: err}
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{File: path, Message: "failed to read file", Cause: err}
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.File = path
			return Config{}, ce
		}
		return Config{}, &ConfigError{File: path, Message: err.Error()}
	}
	return cfg, nil
}
