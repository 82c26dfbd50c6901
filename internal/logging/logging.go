// Package logging configures the process-wide structured logger and
// bridges client-go's internal klog output into the same stream, the way
// a controller-runtime manager would via logr.SetLogger — except this
// gateway has no manager, so the bridge is wired by hand here.
package logging

import (
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

// Configure builds the default slog.Logger for the given format
// ("text" or "json", mirroring the teacher's useJSONLogging toggle) and
// installs it as both slog's default and klog's backend so informer and
// reflector warnings land in the same stream as our own log lines.
func Configure(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	klog.SetLogger(logr.FromSlogHandler(handler))

	return logger
}
