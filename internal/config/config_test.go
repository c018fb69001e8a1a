package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"diy-ftrace-agent/internal/ftrace"
	"diy-ftrace-agent/internal/stream"
)

const testConfig = `
tracefs: /sys/kernel/tracing
raw: true
cpus: 4
reader_timeout: 500ms
buffer:
  size: 1048576
  single: 4104
output: /tmp/trace.bin
duration: 10s
log_level: debug
pids: [1, 42]
counters:
  - name: ftrace_sched_switch
    regex: "prev_comm=(\\S+)"
    tracepoint: sched/sched_switch
    enabled: true
  - name: ftrace_irq
    regex: "irq=(\\d+)"
    tracepoint: irq/irq_handler_exit
    enable: irq/irq_handler_entry
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ftraced.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(viper.New(), writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "/sys/kernel/tracing", c.Tracefs)
	assert.True(t, c.Raw)
	assert.True(t, c.UseForTracepoints, "default")
	assert.Equal(t, 4, c.CPUs)
	assert.Equal(t, 500*time.Millisecond, c.ReaderTimeout)
	assert.Equal(t, Buffer{Size: 1048576, Single: 4104}, c.Buffer)
	assert.Equal(t, "/tmp/trace.bin", c.Output)
	assert.Equal(t, 10*time.Second, c.Duration)
	assert.Equal(t, []int{1, 42}, c.PIDs)
	assert.True(t, c.Kallsyms, "default")

	assert.Equal(t, []ftrace.CounterSpec{
		{Name: "ftrace_sched_switch", Regex: `prev_comm=(\S+)`, Tracepoint: "sched/sched_switch", Enabled: true},
		{Name: "ftrace_irq", Regex: `irq=(\d+)`, Tracepoint: "irq/irq_handler_exit", Enable: "irq/irq_handler_entry"},
	}, c.CounterSpecs())
	assert.Len(t, c.EngineOptions(), 4)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FTRACED_RAW", "false")
	t.Setenv("FTRACED_BUFFER_SIZE", "65536")

	c, err := Load(viper.New(), writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.False(t, c.Raw)
	assert.Equal(t, 65536, c.Buffer.Size)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.True(t, c.Raw)
	assert.Equal(t, ftrace.DefaultReaderTimeout, c.ReaderTimeout)
	assert.Equal(t, "-", c.Output)
	assert.Empty(t, c.Counters)
	assert.Len(t, c.EngineOptions(), 3)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			ReaderTimeout: time.Second,
			Buffer:        Buffer{Size: 1 << 20, Single: 4104},
			LogLevel:      "info",
		}
	}
	c := valid()
	require.NoError(t, c.Validate())

	tt := map[string]func(c *Config){
		"single too small":  func(c *Config) { c.Buffer.Single = 8 },
		"size below single": func(c *Config) { c.Buffer.Size = 4104 },
		"single too large":  func(c *Config) { c.Buffer.Single, c.Buffer.Size = stream.MaxFrameSize+1, 1 << 30 },
		"zero timeout":      func(c *Config) { c.ReaderTimeout = 0 },
		"negative cpus":     func(c *Config) { c.CPUs = -1 },
		"negative duration": func(c *Config) { c.Duration = -time.Second },
		"bad log level":     func(c *Config) { c.LogLevel = "loud" },
	}
	for name, mutate := range tt {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	c := Config{LogLevel: "debug"}
	logger, err := c.NewLogger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
