package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckCompressorAvailable(t *testing.T) {
	quietLogger(t)

	// gzip answers -h quickly on any system this daemon targets.
	if err := CheckCompressor("gzip", toolProbeTimeout); err != nil {
		t.Fatalf("gzip probe failed: %v", err)
	}
}

func TestCheckCompressorMissing(t *testing.T) {
	quietLogger(t)

	err := CheckCompressor("diskferry-no-such-compressor", toolProbeTimeout)
	if err == nil {
		t.Fatal("expected probe failure for a missing binary")
	}

	var unavailable *ToolUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error type = %T, want *ToolUnavailableError", err)
	}
	if unavailable.TimedOut {
		t.Error("missing binary misreported as a timeout")
	}
	if got := unavailable.Error(); got != "Verification attempt of selected compression method diskferry-no-such-compressor failed" {
		t.Errorf("message = %q", got)
	}
}

func TestCheckCompressorTimeout(t *testing.T) {
	quietLogger(t)

	// A helper that hangs on -h must be reported distinctly from one
	// that fails.
	script := filepath.Join(t.TempDir(), "slowtool")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatalf("failed to write helper script: %v", err)
	}

	err := CheckCompressor(script, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected probe timeout")
	}

	var unavailable *ToolUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error type = %T, want *ToolUnavailableError", err)
	}
	if !unavailable.TimedOut {
		t.Error("timeout not flagged")
	}
}
