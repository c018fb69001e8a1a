// Package config loads the ftraced configuration from a YAML file,
// FTRACED_ environment variables and command line flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"diy-ftrace-agent/internal/ftrace"
	"diy-ftrace-agent/internal/stream"
)

// EnvPrefix prefixes the environment variables, e.g., FTRACED_BUFFER_SIZE.
const EnvPrefix = "FTRACED"

// Counter configures one ftrace counter.
type Counter struct {
	Name       string `mapstructure:"name"`
	Regex      string `mapstructure:"regex"`
	Tracepoint string `mapstructure:"tracepoint"`
	Enable     string `mapstructure:"enable"`
	Enabled    bool   `mapstructure:"enabled"`
}

// Buffer sizes the fifo between the pump and the sender.
type Buffer struct {
	Size   int `mapstructure:"size"`
	Single int `mapstructure:"single"`
}

// Config is the ftraced configuration.
type Config struct {
	// Tracefs is the tracing directory. It is detected when empty.
	Tracefs           string        `mapstructure:"tracefs"`
	Raw               bool          `mapstructure:"raw"`
	UseForTracepoints bool          `mapstructure:"use_for_tracepoints"`
	CPUs              int           `mapstructure:"cpus"`
	ReaderTimeout     time.Duration `mapstructure:"reader_timeout"`
	Buffer            Buffer        `mapstructure:"buffer"`
	// Output is the file the framed trace is written to, "-" is stdout.
	Output string `mapstructure:"output"`
	// Duration limits the capture, zero captures until interrupted.
	Duration    time.Duration `mapstructure:"duration"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	LogLevel    string        `mapstructure:"log_level"`
	// Kallsyms adds the kernel symbol table to the stream.
	Kallsyms bool `mapstructure:"kallsyms"`
	// PIDs are processes whose memory maps are added to the stream.
	PIDs     []int     `mapstructure:"pids"`
	Counters []Counter `mapstructure:"counters"`
}

// SetDefaults registers every key with its default value,
// which also lets AutomaticEnv find the environment variables.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("tracefs", "")
	v.SetDefault("raw", true)
	v.SetDefault("use_for_tracepoints", true)
	v.SetDefault("cpus", 0)
	v.SetDefault("reader_timeout", ftrace.DefaultReaderTimeout)
	v.SetDefault("buffer.size", 4<<20)
	v.SetDefault("buffer.single", os.Getpagesize()+stream.HeaderSize)
	v.SetDefault("output", "-")
	v.SetDefault("duration", time.Duration(0))
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("kallsyms", true)
	v.SetDefault("pids", []int{})
	v.SetDefault("counters", []Counter{})
}

// Load reads the configuration file at path into v and decodes the result.
// Without a path, ftraced.yaml is looked up in /etc/ftraced and the working directory
// and a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ftraced")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ftraced")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values that can't be used as they are.
func (c *Config) Validate() error {
	if c.Buffer.Single <= stream.HeaderSize+1 {
		return errors.Errorf("buffer.single must exceed %d bytes", stream.HeaderSize+1)
	}
	if c.Buffer.Single > stream.MaxFrameSize {
		return errors.Errorf("buffer.single must not exceed %d bytes", stream.MaxFrameSize)
	}
	if c.Buffer.Size <= c.Buffer.Single {
		return errors.Errorf("buffer.size %d must exceed buffer.single %d", c.Buffer.Size, c.Buffer.Single)
	}
	if c.ReaderTimeout <= 0 {
		return errors.Errorf("reader_timeout must be positive, got %s", c.ReaderTimeout)
	}
	if c.CPUs < 0 {
		return errors.Errorf("cpus must not be negative, got %d", c.CPUs)
	}
	if c.Duration < 0 {
		return errors.Errorf("duration must not be negative, got %s", c.Duration)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	return nil
}

// CounterSpecs converts the configured counters for the engine.
func (c *Config) CounterSpecs() []ftrace.CounterSpec {
	specs := make([]ftrace.CounterSpec, len(c.Counters))
	for i, cnt := range c.Counters {
		specs[i] = ftrace.CounterSpec{
			Name:       cnt.Name,
			Regex:      cnt.Regex,
			Tracepoint: cnt.Tracepoint,
			Enable:     cnt.Enable,
			Enabled:    cnt.Enabled,
		}
	}
	return specs
}

// EngineOptions returns the engine options derived from the configuration.
func (c *Config) EngineOptions() []ftrace.Option {
	opts := []ftrace.Option{
		ftrace.WithRaw(c.Raw),
		ftrace.WithUseForTracepoints(c.UseForTracepoints),
		ftrace.WithReaderTimeout(c.ReaderTimeout),
	}
	if c.CPUs > 0 {
		opts = append(opts, ftrace.WithCPUs(c.CPUs))
	}
	return opts
}

// NewLogger builds a production logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log_level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
