package daemon

import (
	"io"
	"log/slog"
	"testing"
)

// quietLogger silences slog for the duration of a test.
func quietLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
}
