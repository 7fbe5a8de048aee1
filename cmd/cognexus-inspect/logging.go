package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/log"

	"github.com/cognexus/plugin-host/config"
)

// newLogger returns a slog logger backed by a charmbracelet/log handler
// writing to w.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	formatter := log.TextFormatter
	if cfg.Format == "json" {
		formatter = log.JSONFormatter
	}

	handler := log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		Prefix:          "cognexus",
		ReportTimestamp: level == log.DebugLevel,
	})
	return slog.New(handler), nil
}
