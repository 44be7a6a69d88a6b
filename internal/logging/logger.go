// Package logging builds the logrus logger shared by the binaries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// Output targets accepted in logging.output.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"
	OutputBoth   = "both"
)

// New configures a logger from the logging settings. The returned closer
// flushes the rotating file, if any.
func New(cfg domain.LoggingConfig) (*logrus.Logger, io.Closer) {
	logger := logrus.New()

	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetLevel(GetLevel(cfg.Level))

	var closer io.Closer = nopCloser{}
	switch strings.ToLower(cfg.Output) {
	case OutputStderr:
		logger.SetOutput(os.Stderr)
	case OutputFile, OutputBoth:
		if cfg.Filename == "" {
			logger.SetOutput(os.Stderr)
			logger.Warn("logging.filename is empty, writing logs to STDERR")
			break
		}
		rotating := newRotatingFile(cfg)
		closer = rotating
		if strings.ToLower(cfg.Output) == OutputBoth {
			logger.SetOutput(io.MultiWriter(os.Stdout, rotating))
		} else {
			logger.SetOutput(rotating)
		}
	default:
		logger.SetOutput(os.Stdout)
	}

	return logger, closer
}

func newRotatingFile(cfg domain.LoggingConfig) *lumberjack.Logger {
	filename := cfg.Filename
	if !strings.HasSuffix(filename, ".log") {
		filename += ".log"
	}
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
		LocalTime:  false,
	}
}

// GetLevel maps a level name onto logrus, defaulting to info.
func GetLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
