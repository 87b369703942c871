package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"

	"github.com/taskforge/taskforge/internal/assert"
)

// New builds the process-wide logger: tint's colorized key/value output
// (whether or not stdout is a TTY), written to stdout and duplicated into
// <logDir>/daemon.log so a detached daemon keeps a durable trail.
func New(logDir string, level slog.Level, component string) (*slog.Logger, *os.File) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		assert.AssertNil(err, "[logging] failed to create log directory")
	}
	logPath := filepath.Join(logDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	assert.AssertNil(err, "[logging] failed to open log file")

	writer := io.MultiWriter(os.Stdout, logFile)
	handler := tint.NewHandler(writer, &tint.Options{
		Level:     level,
		AddSource: false,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	slog.SetDefault(logger)
	return logger, logFile
}

// NewDiscard returns a logger that writes nowhere, for tests that don't
// care about log output but still need a non-nil *slog.Logger.
func NewDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
