package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var timeFormatOnce sync.Once

// Logger wraps zerolog with file rotation and child-logger support.
type Logger struct {
	*zerolog.Logger
	config *LogConfig
}

// LogConfig holds logger configuration
type LogConfig struct {
	// Level is the minimum log level (debug, info, warning, error)
	Level string

	// Format is the output format (json, console)
	Format string

	// Console output settings
	Console ConsoleConfig

	// File output settings
	File FileConfig
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable  bool
	NoColor bool
	// TimeFormat for console output
	TimeFormat string
	// Output target (stdout, stderr)
	Output string
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable bool
	// Path to log file
	Path string
	// MaxSize in megabytes
	MaxSize int
	// MaxAge in days
	MaxAge int
	// MaxBackups to keep
	MaxBackups int
	// Compress rotated files
	Compress bool
}

// DefaultLogConfig returns default logger configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  "info",
		Format: "console",
		Console: ConsoleConfig{
			Enable:     true,
			NoColor:    false,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Enable:     false,
			Path:       "meshdb.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// ParseLevel maps a level name to a zerolog level. "warning" is accepted
// as an alias for zerolog's "warn".
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.EqualFold(level, "warning") {
		return zerolog.WarnLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}

// NewLogger creates a new logger instance
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{}

	if config.Console.Enable {
		var output io.Writer
		switch config.Console.Output {
		case "stderr":
			output = os.Stderr
		default:
			output = os.Stdout
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			Compress:   config.File.Compress,
		})
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	// Global time format is process-wide zerolog state; set it once to
	// prevent data races when multiple loggers are created concurrently.
	timeFormatOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()

	return &Logger{
		Logger: &zl,
		config: config,
	}, nil
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	ctx := l.Logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
	}
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	newLogger := l.Logger.Level(lvl)
	l.Logger = &newLogger
	l.config.Level = level
	return nil
}
