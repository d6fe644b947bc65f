package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog represents a single dispatched RPC call.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  uint32    `json:"request_id,omitempty"`
	ClientID   string    `json:"client_id,omitempty"`
	Method     string    `json:"method"`
	Dialect    string    `json:"dialect,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	QueuedMs   int64     `json:"queued_ms,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	InputSize  int       `json:"input_size,omitempty"`
	OutputSize int       `json:"output_size,omitempty"`
}

// Logger handles request logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true}

// Default returns the default request logger. Console echo is off by
// default; the daemon enables it in foreground mode.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a request log entry.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		queued := ""
		if entry.QueuedMs > 0 {
			queued = fmt.Sprintf(" [queued:%dms]", entry.QueuedMs)
		}
		fmt.Printf("[rpc] %s %s %dms%s\n", status, entry.Method, entry.DurationMs, queued)
		if entry.Error != "" {
			fmt.Printf("[rpc]   error: %s\n", entry.Error)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
