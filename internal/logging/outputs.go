package logging

import (
	"time"
)

// Output is a remote log destination
type Output interface {
	Write(entry *LogEntry) error
	Close() error
}

// LogEntry is one logrus entry as shipped to an Output
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}
