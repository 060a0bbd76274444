// Package usagelog implements the Usage Logger: an append-only JSONL record
// per call_tool invocation, with latency and outcome (spec.md §4.F). Write
// failures are swallowed — logging must never mask or delay the tool result.
package usagelog

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one line of logs/usage.jsonl.
type Record struct {
	Timestamp float64 `json:"timestamp"`
	ISOTime   string  `json:"iso_time"`
	Tool      string  `json:"tool"`
	Success   bool    `json:"success"`
	Duration  float64 `json:"duration"`
	Error     *string `json:"error"`
	RequestID string  `json:"request_id"`
}

// Logger appends one JSON Record per call_tool entry to a file, flushing
// after every write. Safe for concurrent use.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates the log directory if absent and opens path for appending,
// matching spec.md §4.F ("Log directory is created on startup if absent").
// If the directory or file cannot be created, a Logger with no open file is
// returned and every record written through it is dropped — per spec.md §7,
// LoggerError is swallowed and never observable to the caller.
func Open(path string) *Logger {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[Usage] cannot create log directory %q: %v (logging disabled)", dir, err)
		return &Logger{}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[Usage] cannot open %q: %v (logging disabled)", path, err)
		return &Logger{}
	}
	return &Logger{file: f}
}

// Entry tracks a single in-flight call_tool invocation, started by Start and
// finished by exactly one of Success/Failure. Used so every entry to
// call_tool records exactly one line regardless of exit path (invariant I4).
type Entry struct {
	logger    *Logger
	tool      string
	requestID string
	startedAt time.Time
}

// Start begins timing a call_tool invocation. Call Success or Failure
// exactly once on the returned Entry to complete the record.
func (l *Logger) Start(tool string) *Entry {
	return &Entry{logger: l, tool: tool, requestID: uuid.NewString(), startedAt: time.Now()}
}

// RequestID returns the correlation id assigned to this invocation, usable
// by other components (e.g. child stderr prefixes) to cross-reference.
func (e *Entry) RequestID() string { return e.requestID }

// Success completes the entry with success=true and error=null.
func (e *Entry) Success() {
	e.write(true, nil)
}

// Failure completes the entry with success=false and the given message.
func (e *Entry) Failure(message string) {
	e.write(false, &message)
}

func (e *Entry) write(success bool, errMsg *string) {
	now := time.Now()
	rec := Record{
		Timestamp: float64(now.UnixNano()) / 1e9,
		ISOTime:   now.UTC().Format("2006-01-02T15:04:05Z"),
		Tool:      e.tool,
		Success:   success,
		Duration:  now.Sub(e.startedAt).Seconds(),
		Error:     errMsg,
		RequestID: e.requestID,
	}
	e.logger.append(rec)
}

func (l *Logger) append(rec Record) {
	if l == nil || l.file == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return // swallowed: LoggerError must never be observable to the caller
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return // swallowed; disk-full/permission errors never mask the tool result
	}
	_ = l.file.Sync()
}

// Close releases the underlying file handle, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
