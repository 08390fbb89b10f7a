package logging

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
)

// SyslogOutput sends RFC 3164 lines with a JSON body over raw TCP or UDP
type SyslogOutput struct {
	conn     net.Conn
	protocol string
	addr     string
	tag      string
	hostname string
	pid      int
	mu       sync.Mutex
}

// Syslog severities (RFC 5424)
const (
	severityCritical = 2
	severityError    = 3
	severityWarning  = 4
	severityInfo     = 6
	severityDebug    = 7
)

// LOG_DAEMON
const facilityDaemon = 3

// NewSyslogOutput dials addr ("host:port") over protocol
func NewSyslogOutput(protocol, addr, tag string) (*SyslogOutput, error) {
	if addr == "" {
		return nil, fmt.Errorf("syslog address not configured")
	}

	conn, err := net.Dial(protocol, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}

	return &SyslogOutput{
		conn:     conn,
		protocol: protocol,
		addr:     addr,
		tag:      tag,
		hostname: hostname,
		pid:      os.Getpid(),
	}, nil
}

func severity(level string) int {
	switch level {
	case "debug", "trace":
		return severityDebug
	case "warn", "warning":
		return severityWarning
	case "error":
		return severityError
	case "fatal", "panic":
		return severityCritical
	default:
		return severityInfo
	}
}

func (s *SyslogOutput) format(entry *LogEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}

	// <priority>timestamp hostname tag[pid]: message
	return []byte(fmt.Sprintf("<%d>%s %s %s[%d]: %s\n",
		facilityDaemon*8+severity(entry.Level),
		entry.Timestamp.Format("Jan _2 15:04:05"),
		s.hostname,
		s.tag,
		s.pid,
		data,
	)), nil
}

// Write sends one entry, redialing once if the connection broke
func (s *SyslogOutput) Write(entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("syslog connection is closed")
	}

	message, err := s.format(entry)
	if err != nil {
		return err
	}

	if _, err = s.conn.Write(message); err == nil {
		return nil
	}

	s.conn.Close()
	conn, dialErr := net.Dial(s.protocol, s.addr)
	if dialErr != nil {
		s.conn = nil
		return fmt.Errorf("failed to write to syslog and reconnect failed: %w", err)
	}
	s.conn = conn

	if _, err = s.conn.Write(message); err != nil {
		return fmt.Errorf("failed to write to syslog after reconnect: %w", err)
	}
	return nil
}

// Close closes the syslog connection
func (s *SyslogOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
