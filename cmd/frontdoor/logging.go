package main

import (
	"io"
	"log/slog"

	"github.com/charmbracelet/log"

	"github.com/tomyedwab/frontdoor/config"
)

// newLogger builds the root logger. JSON is meant for log collectors, text
// for a terminal.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	if cfg.Format == "text" {
		charmLevel, err := log.ParseLevel(cfg.Level)
		if err != nil {
			charmLevel = log.InfoLevel
		}
		handler := log.NewWithOptions(w, log.Options{
			Level:           charmLevel,
			ReportTimestamp: true,
			Prefix:          "frontdoor",
		})
		return slog.New(handler)
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
