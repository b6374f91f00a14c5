package proxypilot

import (
	"io"
	"log/slog"
)

// discardLogger returns a logger that drops everything, used whenever a
// component is constructed without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
