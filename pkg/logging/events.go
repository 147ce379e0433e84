// pkg/logging/events.go - Structured run events written as JSON Lines

package logging

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// LogEvent represents one action within a run.
type LogEvent struct {
	EventID   string                 `json:"event_id"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Hostname  string                 `json:"hostname"`
	EventType string                 `json:"event_type"` // session, package, program
	Package   string                 `json:"package,omitempty"`
	Program   string                 `json:"program,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Source    SourceInfo             `json:"source"`
}

// SourceInfo tracks where an event originated.
type SourceInfo struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

// EventOption allows customizing log events
type EventOption func(*LogEvent)

// WithPackage sets the package name for the event
func WithPackage(name string) EventOption {
	return func(e *LogEvent) {
		e.Package = name
	}
}

// WithProgram sets the program name for the event
func WithProgram(name string) EventOption {
	return func(e *LogEvent) {
		e.Program = name
	}
}

// WithError sets the error message for the event
func WithError(err error) EventOption {
	return func(e *LogEvent) {
		if err != nil {
			e.Error = err.Error()
		}
	}
}

// WithContext adds context information to the event
func WithContext(key string, value interface{}) EventOption {
	return func(e *LogEvent) {
		if e.Context == nil {
			e.Context = make(map[string]interface{})
		}
		e.Context[key] = value
	}
}

// WithLevel sets the log level for the event
func WithLevel(level LogLevel) EventOption {
	return func(e *LogEvent) {
		e.Level = level.String()
	}
}

// Event writes a structured event to the run's event stream. It is a no-op
// when the logger is not initialized or JSON output is disabled.
func Event(eventType, action, status, message string, opts ...EventOption) error {
	if instance == nil {
		return nil
	}

	sourceInfo := SourceInfo{}
	if pc, file, line, ok := runtime.Caller(1); ok {
		sourceInfo.File = filepath.Base(file)
		sourceInfo.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			sourceInfo.Function = filepath.Base(fn.Name())
		}
	}

	now := time.Now()
	event := LogEvent{
		EventID:   uuid.NewString(),
		SessionID: instance.sessionID,
		Timestamp: now,
		Level:     LevelInfo.String(),
		Hostname:  instance.hostname,
		EventType: eventType,
		Action:    action,
		Status:    status,
		Message:   message,
		Source:    sourceInfo,
	}
	for _, opt := range opts {
		opt(&event)
	}

	return instance.writeEvent(event)
}

// StartSession records the beginning of a run with its environment.
func StartSession(metadata map[string]interface{}) error {
	opts := make([]EventOption, 0, len(metadata))
	for k, v := range metadata {
		opts = append(opts, WithContext(k, v))
	}
	return Event("session", "start", "running", "Run started", opts...)
}

// EndSession records the end of a run and its outcome counts.
func EndSession(status string, counts map[string]int) error {
	opts := make([]EventOption, 0, len(counts))
	for k, v := range counts {
		opts = append(opts, WithContext(k, v))
	}
	return Event("session", "end", status, "Run finished", opts...)
}
