// Package logging writes per-request JSONL records to rotating files,
// separate from the process log. One line per finished request, plus an
// error log for failures.
package logging

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestRecord is one line of the request log.
type RequestRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"request_id"`
	Model            string    `json:"model"`
	Streaming        bool      `json:"streaming"`
	Status           string    `json:"status"`
	DurationSeconds  float64   `json:"duration_seconds"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Error            string    `json:"error,omitempty"`
}

// RequestLogger appends JSONL records to size-rotated files. Disabled
// loggers swallow writes, so call sites never branch.
type RequestLogger struct {
	mu      sync.Mutex
	enabled bool

	requests *lumberjack.Logger
	errors   *lumberjack.Logger
}

// NewRequestLogger creates a logger rooted at dir. When enabled is false no
// files are created until SetEnabled(true).
func NewRequestLogger(dir string, enabled bool) *RequestLogger {
	return &RequestLogger{
		enabled: enabled,
		requests: &lumberjack.Logger{
			Filename:   filepath.Join(dir, "requests.jsonl"),
			MaxSize:    50, // megabytes
			MaxBackups: 50,
		},
		errors: &lumberjack.Logger{
			Filename:   filepath.Join(dir, "errors.jsonl"),
			MaxSize:    50,
			MaxBackups: 50,
		},
	}
}

// SetEnabled toggles logging at runtime, used by config hot reload.
func (l *RequestLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log writes one record to the request log, and to the error log as well
// when the record carries an error.
func (l *RequestLogger) Log(rec RequestRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}

	line, err := json.Marshal(rec)
	if err != nil {
		log.Errorf("logging: failed to marshal request record: %v", err)
		return
	}
	line = append(line, '\n')

	if _, err = l.requests.Write(line); err != nil {
		log.Errorf("logging: failed to write request log: %v", err)
	}
	if rec.Error != "" {
		if _, err = l.errors.Write(line); err != nil {
			log.Errorf("logging: failed to write error log: %v", err)
		}
	}
}

// Close flushes and closes the underlying files.
func (l *RequestLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.requests.Close()
	_ = l.errors.Close()
}
