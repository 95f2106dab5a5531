package tts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
)

// SetupLogging configures the default logger. With debug set the level is
// lowered to debug. When path is not empty every record is also written,
// timestamped, to that file. The returned function closes the file.
func SetupLogging(debug bool, path string) (func() error, error) {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if path == "" {
		return func() error { return nil }, nil
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding log path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	file, err := os.OpenFile(expanded, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	logger := log.NewWithOptions(io.MultiWriter(os.Stderr, file), log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
	})
	log.SetDefault(logger)
	log.Debug("Debug log file opened", "path", expanded)

	return file.Close, nil
}

// componentLogger returns a logger tagged with the component name.
func componentLogger(base *log.Logger, component string) *log.Logger {
	if base == nil {
		base = log.Default()
	}
	return base.With("component", component)
}
