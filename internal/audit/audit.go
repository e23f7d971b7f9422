// Package audit implements the append-only, newline-delimited audit log
// of dispatched commands and authentication outcomes. Writes are
// single-producer and best-effort: a write failure is swallowed so it
// never affects request semantics.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxFieldLen is the length beyond which a string parameter value is
// truncated before being written to the audit log.
const maxFieldLen = 200

// truncationMarker is appended to any value truncated for length.
const truncationMarker = "...[truncated]"

// Record is one line of the audit log.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
}

// Log appends Records to a file, one JSON object per line, created with
// owner-only permissions under a directory also created owner-only.
type Log struct {
	mu   sync.Mutex
	file *os.File
	log  *logrus.Logger
}

// Open creates (if needed) the parent directory at 0o700 and opens
// path for append at 0o600.
func Open(path string, log *logrus.Logger) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Log{file: f, log: log}, nil
}

// Write appends one sanitized record. Any error is logged and swallowed.
func (l *Log) Write(action string, params map[string]any) {
	rec := Record{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Params:    sanitize(params),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		l.log.WithError(err).WithField("action", action).Warn("audit: failed to marshal record")
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		l.log.WithError(err).WithField("action", action).Warn("audit: failed to append record")
	}
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// sanitize truncates any string value longer than maxFieldLen, recursing
// into nested maps and slices so sensitive or oversized payloads never
// blow up the audit log.
func sanitize(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		if len(val) > maxFieldLen {
			return val[:maxFieldLen] + truncationMarker
		}
		return val
	case map[string]any:
		return sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return val
	}
}
