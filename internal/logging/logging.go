// Package logging configures slog to write to both stdout and a log file,
// adapted from the teacher's logging.Init
// (services/mape/internal/logging/logger.go), generalized from a fixed
// "mape.log" filename to this engine's own log file name and from a
// bespoke MultiWriter type to io.MultiWriter.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
)

// Init configures the process-wide slog default logger to tee to stdout
// and logDir/reduced.log, returning the logger and the opened file so the
// caller can Close it on shutdown. If the file cannot be opened, it falls
// back to stdout only rather than failing startup.
func Init(logDir string) (*slog.Logger, *os.File) {
	if logDir == "" {
		logDir = "./logs"
	}
	_ = os.MkdirAll(logDir, 0o755)

	path := filepath.Join(logDir, "reduced.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
		slog.SetDefault(logger)
		logger.Error("failed to open log file; falling back to stdout only", slog.Any("err", err))
		return logger, nil
	}

	mw := io.MultiWriter(f, os.Stdout)
	h := slog.NewTextHandler(mw, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(h)

	log.SetOutput(mw) // keep any stdlib log.* call sites aligned to the same sink
	slog.SetDefault(logger)
	return logger, f
}
