package common

import (
	"log/slog"
	"os"
)

type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string
}

// SetupLogger builds the process logger. Every record carries the service
// name and version when they are set.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
