// pkg/logging/logging.go - Timestamped transcript logging for cmplatform
//
// Every run writes one plain-text transcript whose file name carries the
// execution timestamp, plus an optional JSON Lines event stream next to it.
// Lines are mirrored to the console when enabled. Transcripts older than the
// retention window are removed when the logger starts.

package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of the log message.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of the LogLevel.
func (ll LogLevel) String() string {
	switch ll {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configured level name to a LogLevel. Unknown names mean INFO.
func ParseLevel(name string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ERROR":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "DEBUG":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// StampFormat is the layout of the execution timestamp embedded in file names.
const StampFormat = "20060102_150405"

// Stamp formats t as an execution timestamp.
func Stamp(t time.Time) string {
	return t.Format(StampFormat)
}

// LoggerConfig holds configuration for the logger.
type LoggerConfig struct {
	Dir           string   // directory receiving the transcript
	FilePrefix    string   // transcript file name prefix
	Stamp         string   // execution timestamp, shared with the report
	Component     string   // component name recorded in events
	Level         LogLevel // lines above this level are dropped
	EnableConsole bool     // mirror transcript lines to stdout
	EnableJSON    bool     // write <prefix>_<stamp>.jsonl events
	RetentionDays int      // delete older transcripts; 0 keeps everything
}

// DefaultFilePrefix names the transcript when LoggerConfig.FilePrefix is empty.
const DefaultFilePrefix = "PackageUpdateLog"

// Logger encapsulates the transcript and event outputs.
type Logger struct {
	mu        sync.RWMutex
	logger    *log.Logger
	logLevel  LogLevel
	logFile   *os.File
	jsonFile  *os.File
	config    LoggerConfig
	logPath   string
	hostname  string
	sessionID string
}

var (
	instance *Logger
	once     sync.Once
)

// Init initializes the process-wide logger. Only the first call has effect.
func Init(cfg LoggerConfig) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(cfg)
	})
	return initErr
}

func newLogger(cfg LoggerConfig) (*Logger, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = DefaultFilePrefix
	}
	if cfg.Stamp == "" {
		cfg.Stamp = Stamp(time.Now())
	}
	if cfg.Component == "" {
		cfg.Component = "cmplatform"
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	l := &Logger{
		logLevel:  cfg.Level,
		config:    cfg,
		logPath:   filepath.Join(cfg.Dir, cfg.FilePrefix+"_"+cfg.Stamp+".log"),
		hostname:  hostname,
		sessionID: fmt.Sprintf("%s-%s", cfg.Component, cfg.Stamp),
	}

	if cfg.RetentionDays > 0 {
		l.performCleanup(time.Now())
	}

	var err error
	l.logFile, err = os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if cfg.EnableJSON {
		jsonPath := strings.TrimSuffix(l.logPath, ".log") + ".jsonl"
		l.jsonFile, err = os.OpenFile(jsonPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			l.logFile.Close()
			return nil, fmt.Errorf("failed to open JSON log file: %w", err)
		}
	}

	var out io.Writer = l.logFile
	if cfg.EnableConsole {
		out = io.MultiWriter(os.Stdout, l.logFile)
	}
	l.logger = log.New(out, "", 0)

	return l, nil
}

// performCleanup removes transcripts and event files past the retention window.
func (l *Logger) performCleanup(now time.Time) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return
	}

	prefix := l.config.FilePrefix + "_"
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if ext := filepath.Ext(name); ext != ".log" && ext != ".jsonl" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	maxAge := time.Duration(l.config.RetentionDays) * 24 * time.Hour
	for _, name := range names {
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), filepath.Ext(name))
		written, err := time.ParseInLocation(StampFormat, stamp, time.Local)
		if err != nil {
			continue
		}
		if now.Sub(written) > maxAge {
			os.Remove(filepath.Join(l.config.Dir, name)) // best effort
		}
	}
}

// CloseLogger closes the log files if they're open.
func CloseLogger() {
	if instance == nil {
		return
	}
	instance.close()
}

func (l *Logger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			fmt.Printf("Failed to close main log file: %v\n", err)
		}
		l.logFile = nil
	}
	if l.jsonFile != nil {
		if err := l.jsonFile.Close(); err != nil {
			fmt.Printf("Failed to close JSON log file: %v\n", err)
		}
		l.jsonFile = nil
	}
	l.logger = nil
}

// logMessage writes one line to the transcript.
func (l *Logger) logMessage(level LogLevel, message string, keyValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logger == nil {
		fmt.Printf("LOGGING NOT INITIALIZED: %s %s %v\n", level.String(), message, keyValues)
		return
	}
	if level > l.logLevel {
		return
	}

	l.logger.Println(formatLine(time.Now(), level, message, keyValues))
	if l.logFile != nil {
		l.logFile.Sync()
	}
}

// formatLine renders a transcript line. More than four pairs are listed one
// per line; ERROR entries are preceded by a separator.
func formatLine(ts time.Time, level LogLevel, message string, keyValues []interface{}) string {
	line := fmt.Sprintf("[%s] %-5s %s", ts.Format("2006-01-02 15:04:05"), level.String(), message)

	if len(keyValues)/2 > 4 {
		for i := 0; i+1 < len(keyValues); i += 2 {
			line += fmt.Sprintf("\n        %v: %v", keyValues[i], keyValues[i+1])
		}
	} else {
		for i := 0; i+1 < len(keyValues); i += 2 {
			line += fmt.Sprintf(" %v=%v", keyValues[i], keyValues[i+1])
		}
	}

	if level == LevelError {
		line = "----------------------------------------\n" + line
	}
	return line
}

// writeEvent appends one JSON line to the event stream.
func (l *Logger) writeEvent(event LogEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonFile == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := l.jsonFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return l.jsonFile.Sync()
}

// Info logs informational messages.
func Info(message string, keyValues ...interface{}) {
	if instance == nil {
		fmt.Printf("LOGGING NOT INITIALIZED: INFO %s %v\n", message, keyValues)
		return
	}
	instance.logMessage(LevelInfo, message, keyValues...)
}

// Debug logs debug messages.
func Debug(message string, keyValues ...interface{}) {
	if instance == nil {
		return
	}
	instance.logMessage(LevelDebug, message, keyValues...)
}

// Warn logs warning messages.
func Warn(message string, keyValues ...interface{}) {
	if instance == nil {
		fmt.Printf("LOGGING NOT INITIALIZED: WARN %s %v\n", message, keyValues)
		return
	}
	instance.logMessage(LevelWarn, message, keyValues...)
}

// Error logs error messages.
func Error(message string, keyValues ...interface{}) {
	if instance == nil {
		fmt.Printf("LOGGING NOT INITIALIZED: ERROR %s %v\n", message, keyValues)
		return
	}
	instance.logMessage(LevelError, message, keyValues...)
}

// LogPath returns the transcript path of the current run.
func LogPath() string {
	if instance == nil {
		return ""
	}
	instance.mu.RLock()
	defer instance.mu.RUnlock()
	return instance.logPath
}

// RunStamp returns the execution timestamp embedded in the transcript name.
func RunStamp() string {
	if instance == nil {
		return ""
	}
	return instance.config.Stamp
}

// GetSessionID returns the current session ID.
func GetSessionID() string {
	if instance == nil {
		return ""
	}
	return instance.sessionID
}
