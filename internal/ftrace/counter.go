package ftrace

import (
	"path"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrMissingEnable is returned when raw capture is asked to prepare a counter
// that does not name a tracepoint to enable.
var ErrMissingEnable = errors.New("ftrace counter has no enable attribute")

// CounterSpec describes a configured ftrace counter.
type CounterSpec struct {
	// Name must start with "ftrace_", other counters belong to other drivers.
	Name string
	// Regex extracts the counter value from the text trace. It is required.
	Regex string
	// Tracepoint is the events/ subdirectory the counter reads, e.g., "sched/sched_switch".
	Tracepoint string
	// Enable is the events/ subdirectory to enable. It defaults to Tracepoint.
	Enable string
	// Enabled selects the counter for capture.
	Enabled bool
}

// counter is a registered ftrace counter.
// It remembers the enable state found at prepare time and restores it at stop.
type counter struct {
	name       string
	enable     string
	enabled    bool
	wasEnabled int
}

func (c *counter) enablePath() string {
	return path.Join(pathEvents, c.enable, "enable")
}

func (c *counter) formatPath() string {
	return path.Join(pathEvents, c.enable, "format")
}

func (c *counter) prepare(fp FileProvider, raw bool) error {
	if c.enable == "" {
		if raw {
			return errors.Wrapf(ErrMissingEnable, "counter %s is not compatible with raw capture, "+
				"add the enable attribute or disable the counter", c.name)
		}
		return nil
	}

	p := c.enablePath()
	v, err := readInt(fp, p)
	if err != nil {
		return errors.Wrapf(err, "unable to read %s", p)
	}
	c.wasEnabled = v
	if err = writeInt(fp, p, 1); err != nil {
		return errors.Wrapf(err, "unable to write %s", p)
	}
	return nil
}

// stop restores the enable state. Failures are logged only.
func (c *counter) stop(fp FileProvider, logger *zap.Logger) {
	if c.enable == "" {
		return
	}
	if err := writeInt(fp, c.enablePath(), c.wasEnabled); err != nil {
		logger.Warn("failed to restore tracepoint enable state", zap.String("counter", c.name), zap.Error(err))
	}
}
