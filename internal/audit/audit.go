// Package audit appends one structured record per evaluation to a per-day
// log file. Logging is best-effort: Log returns an error the caller is
// expected to warn about and otherwise ignore, so an audit failure never
// changes an evaluation outcome.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies what kind of action the record describes.
type EventType string

const (
	EventCommandExecution EventType = "command_execution"
	EventToolUsage        EventType = "tool_usage"
	EventFileAccess       EventType = "file_access"
	EventNetworkAccess    EventType = "network_access"
	EventHookExecution    EventType = "hook_execution"
)

// Decision is the recorded outcome. Cached marks a hit served from the
// decision cache rather than a fresh evaluation.
type Decision string

const (
	DecisionAllowed  Decision = "allowed"
	DecisionDenied   Decision = "denied"
	DecisionPrompted Decision = "prompted"
	DecisionCached   Decision = "cached"
)

// Event is a single audit record. One JSON object per line.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Subject      string    `json:"subject"`
	Type         EventType `json:"type"`
	Decision     Decision  `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
	ResolvedPath string    `json:"resolved_path,omitempty"`
	RequestedBy  string    `json:"requested_by,omitempty"`
}

// Options configures a Logger.
type Options struct {
	Enabled     bool
	Dir         string
	RequestedBy string
}

// Logger serializes writes to the current day's file and rotates when the
// calendar day changes.
type Logger struct {
	mu   sync.Mutex
	opts Options
	file *os.File
	day  string
	now  func() time.Time
}

// NewLogger creates a logger. A disabled logger accepts events and drops
// them silently.
func NewLogger(opts Options) *Logger {
	return &Logger{opts: opts, now: time.Now}
}

// Enabled reports whether events are being persisted.
func (l *Logger) Enabled() bool { return l.opts.Enabled }

// Dir returns the audit directory.
func (l *Logger) Dir() string { return l.opts.Dir }

// FileName returns the audit file name for the given day.
func FileName(t time.Time) string {
	return fmt.Sprintf("audit-%s.log", t.Format("2006-01-02"))
}

// Log appends the event to the current day's file. Missing ID, Timestamp
// and RequestedBy fields are filled in.
func (l *Logger) Log(e Event) error {
	if !l.opts.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.RequestedBy == "" {
		e.RequestedBy = l.opts.RequestedBy
	}

	if err := l.rotate(now); err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// rotate opens the file for day(now), closing the previous day's file
// first. Callers hold l.mu.
func (l *Logger) rotate(now time.Time) error {
	day := now.Format("2006-01-02")
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.MkdirAll(l.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(l.opts.Dir, FileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	l.file = f
	l.day = day
	return nil
}

// Close releases the open file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.day = ""
	return err
}

// ReadDay loads the events recorded for the given day ("2006-01-02").
// A missing file yields an empty slice.
func ReadDay(dir, day string) ([]Event, error) {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, fmt.Errorf("invalid audit date %q: %w", day, err)
	}
	f, err := os.Open(filepath.Join(dir, FileName(t)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	// Records quote whole command lines, which can far exceed the default
	// 64KB token limit.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("corrupt audit record: %w", err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
