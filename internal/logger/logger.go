// Package logger wires zerolog to a rotating file sink under the
// application's data directory, with the default level switched by
// build tag (default_debug.go / default_prod.go).
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the global application logger.
var Log zerolog.Logger

const (
	maxLogSizeMB  = 10 // 10 MB per file before rotation
	maxLogBackups = 5  // keep 5 rotated files
	maxLogAgeDays = 28
)

// Init initializes the logger with rotating file output under
// appDataDir/logs/, plus a human-readable console writer on stderr
// when running under a "dev"/"debug" build.
func Init(appDataDir string) error {
	logDir := filepath.Join(appDataDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	logPath := filepath.Join(logDir, "deemusicd.log")

	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		Compress:   true,
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logLevel := defaultLevel
	if os.Getenv("DEEMUSIC_DEBUG") == "true" || os.Getenv("DEEMUSIC_DEBUG") == "1" {
		logLevel = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	writers := []io.Writer{rotator}
	if logLevel == zerolog.DebugLevel {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	Log = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Caller().
		Logger()

	Log.Info().Str("logPath", logPath).Msg("logger initialized")
	return nil
}

// GetLogPath returns the log directory path.
func GetLogPath(appDataDir string) string {
	return filepath.Join(appDataDir, "logs")
}
