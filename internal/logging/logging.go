// Package logging provides structured logging using zerolog.
//
// Two loggers are maintained: the process Logger and an audit logger that
// records governance events. Audit entries always reach the process log and
// are also appended as JSON lines to the audit file when one is configured.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents log levels.
type Level = zerolog.Level

// Log levels exposed for convenience.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Pretty enables human-readable console output.
	Pretty bool
	// TimeFormat specifies the time format. Defaults to RFC3339.
	TimeFormat string
	// File, when set, receives a JSON copy of every log line.
	File string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		Pretty:     false,
		TimeFormat: time.RFC3339,
	}
}

var (
	mu        sync.Mutex
	output    io.Writer = os.Stderr
	level               = InfoLevel
	logFile   *os.File
	auditFile *os.File
	audit     zerolog.Logger
)

// Init initializes the global logger with the given configuration.
func Init(cfg Config) error {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat

	var out io.Writer = cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	if cfg.File != "" {
		f, err := openAppend(cfg.File)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		out = zerolog.MultiLevelWriter(out, f)
	}

	output = out
	level = cfg.Level
	rebuild()
	return nil
}

// rebuild recreates both loggers. Callers hold mu.
func rebuild() {
	Logger = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	if auditFile == nil {
		audit = Logger
		return
	}
	audit = zerolog.New(zerolog.MultiLevelWriter(output, auditFile)).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// OpenAudit starts appending audit entries to path.
func OpenAudit(path string) error {
	f, err := openAppend(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if auditFile != nil {
		auditFile.Close()
	}
	auditFile = f
	rebuild()
	return nil
}

// CloseAudit flushes and closes the audit file, if any. Later audit entries
// only reach the process log.
func CloseAudit() error {
	mu.Lock()
	defer mu.Unlock()
	if auditFile == nil {
		return nil
	}
	err := auditFile.Sync()
	if cerr := auditFile.Close(); err == nil {
		err = cerr
	}
	auditFile = nil
	rebuild()
	return err
}

// Audit starts an info level audit entry tagged with the governance event name.
func Audit(event string) *zerolog.Event {
	mu.Lock()
	l := audit
	mu.Unlock()
	return l.Info().Str("audit", event)
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// ParseLevel parses a log level string (case-insensitive).
// Supported values: DEBUG, INFO, WARN, ERROR, FATAL.
// Returns InfoLevel if the string is not recognized.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Debug starts a new debug level log message.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Info starts a new info level log message.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn starts a new warn level log message.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error starts a new error level log message.
func Error() *zerolog.Event {
	return Logger.Error()
}

// With creates a child logger with the given fields.
func With() zerolog.Context {
	return Logger.With()
}

func init() {
	_ = Init(DefaultConfig())
}
