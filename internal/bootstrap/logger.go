// Package bootstrap holds the process wiring shared by the
// evocable-gateway and evocable-worker binaries' main packages: building
// the slog+Sentry logger every collaborator takes by reference.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/getsentry/sentry-go"

	"github.com/epicrunze/evocable/internal/config"
	"github.com/epicrunze/evocable/internal/observability"
	internalsentry "github.com/epicrunze/evocable/internal/sentry"
)

// NewCoreLogger builds the logger every collaborator shares, from
// cfg.LogFormat and cfg.SentryDSN/SentryRelease. An empty SentryDSN
// disables Sentry: internalsentry.New still succeeds and initializes the
// SDK with Sentry effectively a no-op, and the logger is given a nil hub
// instead of the SDK's current one.
func NewCoreLogger(cfg *config.Config) (*observability.CoreLogger, error) {
	handler := newSlogHandler(cfg.LogFormat)
	base := slog.New(handler)

	if _, err := internalsentry.New(cfg.SentryDSN, cfg.SentryRelease); err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}

	var hub *sentry.Hub
	if cfg.SentryDSN != "" {
		hub = sentry.CurrentHub()
	}
	return observability.NewCoreLogger(base, hub), nil
}

func newSlogHandler(format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "text" {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}
