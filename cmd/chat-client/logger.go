package main

import (
	"log/slog"
	"os"

	"github.com/irl-lan/chatrelay/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "chat-client")
	logging.Set(l)
	return l
}
