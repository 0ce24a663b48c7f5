// Package log provides a thin facade over zerolog with the leveled,
// key-value style helpers used across the codebase (Infow, Warnw, ...).
// It must be initialized once with Init before use.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	outputStdout = "stdout"
	outputStderr = "stderr"

	// logTestWriterName is a reserved output name used by tests and
	// benchmarks to redirect the log stream to logTestWriter.
	logTestWriterName = "_testWriter"
)

var (
	logger zerolog.Logger
	level  string

	// logTestWriter is the sink used when Init is called with
	// logTestWriterName as output.
	logTestWriter io.Writer

	// panicOnInvalidChars makes the logger panic when a log line carries
	// bytes that are not valid UTF-8. Used to catch unsanitized binary
	// data reaching the logs.
	panicOnInvalidChars = os.Getenv("LOG_PANIC_ON_INVALIDCHARS") == "true"
)

// Init initializes the global logger. Output may be "stdout", "stderr" or a
// file path. If errorOutput is not nil, entries with level error or above
// are duplicated to it.
func Init(logLevel, output string, errorOutput io.Writer) {
	var out io.Writer
	switch output {
	case outputStdout:
		out = os.Stdout
	case outputStderr:
		out = os.Stderr
	case logTestWriterName:
		out = logTestWriter
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			panic(fmt.Sprintf("cannot open log output %q: %v", output, err))
		}
		out = f
	}
	if output == outputStdout || output == outputStderr {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "3:04PM"}
	}
	if errorOutput != nil {
		out = zerolog.MultiLevelWriter(out, errWriter{errorOutput})
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger = zerolog.New(out).With().Timestamp().Logger()
	level = logLevel
	switch logLevel {
	case LogLevelDebug:
		logger = logger.Level(zerolog.DebugLevel)
	case LogLevelInfo:
		logger = logger.Level(zerolog.InfoLevel)
	case LogLevelWarn:
		logger = logger.Level(zerolog.WarnLevel)
	case LogLevelError:
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		panic(fmt.Sprintf("invalid log level %q", logLevel))
	}
	Infof("logger construction succeeded at level %s with output %s", logLevel, output)
}

// Level returns the level the logger was initialized with.
func Level() string {
	return level
}

// errWriter forwards only error-or-above entries to its underlying writer.
type errWriter struct{ w io.Writer }

func (e errWriter) Write(p []byte) (int, error) { return len(p), nil }

func (e errWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l >= zerolog.ErrorLevel {
		return e.w.Write(p)
	}
	return len(p), nil
}

func checkInvalidChars(s string) {
	if panicOnInvalidChars && !utf8.ValidString(s) {
		panic(fmt.Sprintf("log line with invalid chars: %q", s))
	}
}

func logf(ev *zerolog.Event, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	checkInvalidChars(msg)
	ev.Msg(msg)
}

func logw(ev *zerolog.Event, msg string, keysAndValues ...any) {
	checkInvalidChars(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	ev.Msg(msg)
}

func argsToString(args ...any) string {
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%v", a)
	}
	return sb.String()
}

// Debug logs a debug message built from args.
func Debug(args ...any) { logf(logger.Debug(), "%s", argsToString(args...)) }

// Info logs an info message built from args.
func Info(args ...any) { logf(logger.Info(), "%s", argsToString(args...)) }

// Warn logs a warning message built from args.
func Warn(args ...any) { logf(logger.Warn(), "%s", argsToString(args...)) }

// Error logs an error message built from args.
func Error(args ...any) { logf(logger.Error(), "%s", argsToString(args...)) }

// Fatal logs a message built from args and exits.
func Fatal(args ...any) {
	logf(logger.Fatal(), "%s", argsToString(args...))
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) { logf(logger.Debug(), format, args...) }

// Infof logs a formatted info message.
func Infof(format string, args ...any) { logf(logger.Info(), format, args...) }

// Warnf logs a formatted warning message.
func Warnf(format string, args ...any) { logf(logger.Warn(), format, args...) }

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) { logf(logger.Error(), format, args...) }

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...any) { logf(logger.Fatal(), format, args...) }

// Debugw logs a debug message with structured key-value pairs.
func Debugw(msg string, keysAndValues ...any) { logw(logger.Debug(), msg, keysAndValues...) }

// Infow logs an info message with structured key-value pairs.
func Infow(msg string, keysAndValues ...any) { logw(logger.Info(), msg, keysAndValues...) }

// Warnw logs a warning message with structured key-value pairs.
func Warnw(msg string, keysAndValues ...any) { logw(logger.Warn(), msg, keysAndValues...) }

// Errorw logs an error with an optional wrapping message.
func Errorw(err error, msg string) {
	if err == nil {
		return
	}
	if msg == "" {
		logf(logger.Error(), "%v", err)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
