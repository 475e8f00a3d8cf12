// Command anc runs a real-time adaptive interference canceller: it captures
// audio, amplifies it, removes the component an LMS filter can predict and
// plays back the residual, while serving a read-only monitoring API.
package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler. Dev builds always log at
// debug level.
func setupLogging(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
