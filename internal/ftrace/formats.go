package ftrace

import (
	"path"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrFormatDirectory is returned when events/ftrace cannot be listed.
	ErrFormatDirectory = errors.New("unable to open events ftrace folder")
	// ErrFormatRead is returned when a header or format file cannot be read.
	ErrFormatRead = errors.New("unable to read tracepoint format")
)

// AttrsConsumer receives the trace layout descriptions needed to decode raw pages.
type AttrsConsumer interface {
	MarshalHeaderPage(data []byte)
	MarshalHeaderEvent(data []byte)
	MarshalFormat(data []byte)
}

// ReadTracepointFormats passes the page header, the event header,
// the formats of the ftrace events and the formats of the enabled counters to c.
// Nothing is marshaled in text mode.
func (e *Engine) ReadTracepointFormats(c AttrsConsumer) error {
	if !e.conf.raw {
		return nil
	}

	data, err := e.readFormat(pathHeaderPage)
	if err != nil {
		return err
	}
	c.MarshalHeaderPage(data)

	if data, err = e.readFormat(pathHeaderEvent); err != nil {
		return err
	}
	c.MarshalHeaderEvent(data)

	entries, err := e.fp.ReadDir(pathEventsFtrace)
	if err != nil {
		return errors.Wrap(ErrFormatDirectory, err.Error())
	}
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), ".") || !ent.IsDir() {
			continue
		}
		if data, err = e.readFormat(path.Join(pathEventsFtrace, ent.Name(), "format")); err != nil {
			return err
		}
		c.MarshalFormat(data)
	}

	for _, cnt := range e.counters {
		if !cnt.enabled || cnt.enable == "" {
			continue
		}
		data, err = e.readFormat(cnt.formatPath())
		if err != nil {
			e.logger.Debug("skipping counter format", zap.String("counter", cnt.name), zap.Error(err))
			continue
		}
		c.MarshalFormat(data)
	}
	return nil
}

func (e *Engine) readFormat(name string) ([]byte, error) {
	data, err := e.fp.ReadFile(name)
	if err != nil {
		e.logger.Debug("failed to read format", zap.String("file", name), zap.Error(err))
		return nil, errors.Wrapf(ErrFormatRead, "%s: %v", name, err)
	}
	return data, nil
}
