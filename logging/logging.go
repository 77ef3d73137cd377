// Package logging wires up the structured slog.Logger every CoralKM binary
// and package logs through, mirroring the shape of the teacher's
// common.SetupLogger helper referenced from its CLI flags.
package logging

import (
	"log/slog"
	"os"
)

// Opts configures the process-wide logger.
type Opts struct {
	// Debug lowers the minimum level to slog.LevelDebug.
	Debug bool
	// JSON selects slog.JSONHandler over a human-readable text handler.
	JSON bool
	// Service is attached to every record as a "service" attribute so
	// logs from wallet, gateway, and guardian processes sharing a sink
	// can be told apart.
	Service string
}

// New builds a *slog.Logger from opts and writes to os.Stderr, matching the
// teacher's convention of logging to stderr and reserving stdout for
// command output.
func New(opts Opts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With(slog.String("service", opts.Service))
	}
	return log
}
