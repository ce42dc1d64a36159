package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias kept so callers don't import logrus for field maps.
type Fields = logrus.Fields

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return l
}

// WithComponent returns an entry tagged with the component name.
func WithComponent(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Discard silences all output. Tests use it to keep go test output readable.
func Discard() {
	base.SetOutput(io.Discard)
}

// Configure applies level, format and output settings. LOG_LEVEL wins over
// the level argument. A file output is rotated by lumberjack when maxAge
// (days to keep old files) is positive.
func Configure(level, format, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	var formatter logrus.Formatter
	switch strings.ToLower(format) {
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		}
	case "text", "":
		formatter = &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		}
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	var out io.Writer
	switch output {
	case "stdout", "":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		if dir := filepath.Dir(output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
		}
		if maxAge > 0 {
			out = &lumberjack.Logger{
				Filename: output,
				MaxAge:   maxAge,
				MaxSize:  100,
				Compress: true,
			}
		} else {
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file %q: %w", output, err)
			}
			out = f
		}
	}

	base.SetLevel(lvl)
	base.SetReportCaller(lvl >= logrus.DebugLevel)
	base.SetFormatter(formatter)
	base.SetOutput(out)
	return nil
}
