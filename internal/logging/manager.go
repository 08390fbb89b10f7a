package logging

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/codedrop/codedrop/internal/config"
	"github.com/sirupsen/logrus"
)

// Manager owns the remote log outputs attached to a logger
type Manager struct {
	hook    *DispatchHook
	outputs []outputWithFilter
	mu      sync.Mutex
}

// Setup attaches the outputs enabled in cfg to logger. With nothing
// enabled no hook is registered and Close is a no-op.
func Setup(logger *logrus.Logger, cfg config.LoggingConfig) (*Manager, error) {
	m := &Manager{}

	if cfg.Syslog.Enable {
		output, err := NewSyslogOutput(cfg.Syslog.Protocol, cfg.Syslog.Addr, cfg.Syslog.Tag)
		if err != nil {
			return nil, err
		}
		m.outputs = append(m.outputs, outputWithFilter{
			name:   "syslog",
			output: output,
			level:  parseLevel(cfg.Syslog.Level),
		})
	}

	if cfg.HTTP.Enable {
		if cfg.HTTP.URL == "" {
			m.closeOutputs()
			return nil, fmt.Errorf("logging.http.url is required when HTTP log shipping is enabled")
		}
		m.outputs = append(m.outputs, outputWithFilter{
			name:   "http",
			output: NewHTTPOutput(cfg.HTTP.URL, cfg.HTTP.Token, cfg.HTTP.BatchSize, cfg.HTTP.FlushInterval),
			level:  parseLevel(cfg.HTTP.Level),
		})
	}

	if len(m.outputs) == 0 {
		return m, nil
	}

	m.hook = NewDispatchHook()
	m.hook.setOutputs(m.outputs)
	logger.AddHook(m.hook)

	names := make([]string, 0, len(m.outputs))
	for _, ow := range m.outputs {
		names = append(names, ow.name)
	}
	logger.WithField("outputs", strings.Join(names, ",")).Info("Log shipping enabled")

	return m, nil
}

// Close detaches every output, waits for pending writes and closes them
func (m *Manager) Close() error {
	if m.hook != nil {
		m.hook.setOutputs(nil)
		m.hook.wait()
	}
	return m.closeOutputs()
}

func (m *Manager) closeOutputs() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, ow := range m.outputs {
		if err := ow.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ow.name, err))
		}
	}
	m.outputs = nil
	return errors.Join(errs...)
}

func parseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
