package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide logger. Every record carries the service
// name so the api, worker and tracking binaries can share one log stream.
// Format is "json" (default) or "text"; anything else falls back to json
// with a warning.
func Init(service, format string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, nil)
	default:
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}
