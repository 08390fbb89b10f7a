package logging

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type outputWithFilter struct {
	name   string
	output Output
	level  logrus.Level
}

// DispatchHook is one logrus hook fanning entries out to every output
// whose level admits them. Writes run off the logging goroutine.
type DispatchHook struct {
	snapshot atomic.Pointer[[]outputWithFilter]
	inflight sync.WaitGroup
}

// NewDispatchHook creates a hook with no outputs
func NewDispatchHook() *DispatchHook {
	h := &DispatchHook{}
	h.snapshot.Store(&[]outputWithFilter{})
	return h
}

func (h *DispatchHook) setOutputs(outputs []outputWithFilter) {
	h.snapshot.Store(&outputs)
}

// Levels returns all log levels this hook handles
func (h *DispatchHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire copies the entry and hands it to the admitting outputs
func (h *DispatchHook) Fire(entry *logrus.Entry) error {
	outputs := *h.snapshot.Load()
	if len(outputs) == 0 {
		return nil
	}

	logEntry := &LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    make(map[string]interface{}, len(entry.Data)),
	}
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		logEntry.Fields[k] = v
	}

	for _, ow := range outputs {
		// logrus levels grow more verbose as they increase
		if entry.Level > ow.level {
			continue
		}

		out := ow.output
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			// Errors are dropped; logging them here would recurse
			_ = out.Write(logEntry)
		}()
	}

	return nil
}

// wait blocks until every dispatched write has returned
func (h *DispatchHook) wait() {
	h.inflight.Wait()
}
