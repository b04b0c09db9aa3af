// Package logging is the process-wide structured logger.
package logging

import (
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Prefix tags every line sent to the debugger output.
const Prefix = "[vivaldi++] "

// FileName is the log written next to the executable when debug logging is on.
const FileName = "debug.log"

var (
	mu     sync.RWMutex
	logger = zerolog.Nop()
	file   *lumberjack.Logger
)

// Initialize routes logs to the debugger output and, with debug set, to a
// rotating debug.log in dir. Level is Info, or Debug with debug set.
func Initialize(dir string, debug bool) {
	writers := []io.Writer{consoleWriter(debugOutput())}
	level := zerolog.InfoLevel

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		_ = file.Close()
		file = nil
	}
	if debug {
		level = zerolog.DebugLevel
		if dir != "" {
			file = &lumberjack.Logger{
				Filename:   filepath.Join(dir, FileName),
				MaxSize:    5,
				MaxBackups: 2,
			}
			writers = append(writers, file)
		}
	}
	logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Int("pid", pid()).Logger()
}

// SetOutput sends logs to w only, at the given level. Used by tests and tools.
func SetOutput(w io.Writer, level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Logger returns the current logger, for packages that take one by value.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Close flushes and closes the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

func LogError(err error, message string, messages ...interface{}) {
	l := Logger()
	l.Error().Err(err).Fields(messages).Msg(message)
}

func LogWarning(message string, messages ...interface{}) {
	l := Logger()
	l.Warn().Fields(messages).Msg(message)
}

func LogInfo(message string, messages ...interface{}) {
	l := Logger()
	l.Info().Fields(messages).Msg(message)
}

func LogDebug(message string, messages ...interface{}) {
	l := Logger()
	l.Debug().Fields(messages).Msg(message)
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: time.TimeOnly,
		FormatLevel: func(i interface{}) string {
			if s, ok := i.(string); ok {
				return Prefix + s
			}
			return Prefix
		},
	}
}
