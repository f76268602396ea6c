// Package logging builds the process-wide slog logger from config.
package logging

import (
	"io"
	"log/slog"

	"github.com/chaz8081/bluenet-core/internal/config"
)

// New returns a logger writing to w in the configured format and level.
func New(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}

	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
