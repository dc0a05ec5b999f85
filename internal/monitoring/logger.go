package monitoring

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	loggerMu sync.RWMutex
	logger   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
)

// Logf is the package-level diagnostic logger. It defaults to an info-level
// zerolog event but may be replaced by SetLogger. Tests or production code can
// redirect or mute it.
var Logf func(format string, v ...interface{}) = defaultLogf

func defaultLogf(format string, v ...interface{}) {
	l := Logger()
	l.Info().Msgf(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// ParseLevel maps a level name to a zerolog level, falling back to info.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup rebuilds the structured logger. With jsonOut the output is one JSON
// object per line, otherwise a human-readable console format. Logf is reset
// to write through the new logger.
func Setup(level string, jsonOut bool, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if !jsonOut {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: w != os.Stderr}
	}
	l := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()

	Logf = defaultLogf
	return l
}

// Logger returns the current structured logger.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Vehicle returns a logger carrying the aircraft id on every event.
func Vehicle(id int) zerolog.Logger {
	l := Logger()
	return l.With().Int("ac_id", id).Logger()
}

// RotatingFile is a size-rotated, compressed log file for long field
// sessions. Pass it to Setup as the writer and close it on exit.
func RotatingFile(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    64, // MB
		MaxAge:     14, // days
		MaxBackups: 10,
		Compress:   true,
	}
}
