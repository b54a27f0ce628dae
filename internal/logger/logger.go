package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/episodic-memory/pkg/scrubber"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the root zerolog logger and the files behind it.
type Logger struct {
	logger   zerolog.Logger
	file     io.Closer
	scrubber *scrubber.Scrubber
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path
	Console   bool   // enable console output
	Pretty    bool   // pretty format for console
	Redaction bool   // scrub secrets from every line
	MaxSize   int    // MB before rotation, 0 disables rotation
	MaxAge    int    // days to keep rotated files
	Compress  bool   // gzip rotated files

	// Stderr sends console output to stderr so stdout stays free for
	// command results.
	Stderr bool
}

// New builds the root logger and installs it as the zerolog global.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	if cfg.Console {
		var out io.Writer = os.Stdout
		if cfg.Stderr {
			out = os.Stderr
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		writers = append(writers, out)
	}

	var file io.WriteCloser
	if cfg.File != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = rw
		writers = append(writers, file)
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

	var s *scrubber.Scrubber
	if cfg.Redaction {
		s = scrubber.New()
		writer = s.Wrap(writer)
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	return &Logger{
		logger:   logger,
		file:     file,
		scrubber: s,
	}, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Zerolog returns the underlying logger for components that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   50,
		MaxAge:    14,
		Compress:  true,
		Stderr:    true,
	}
}
