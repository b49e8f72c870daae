package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWriter(t *testing.T) *StatusWriter {
	t.Helper()
	return NewStatusWriter(filepath.Join(t.TempDir(), "status"))
}

func TestRecentOutputBound(t *testing.T) {
	w := newTestWriter(t)

	for i := 0; i < 50; i++ {
		w.AddLine(fmt.Sprintf("line %d", i))
	}

	rec := w.Record()
	if len(rec.RecentOutput) != maxRecentLines {
		t.Fatalf("recent_output has %d lines, want %d", len(rec.RecentOutput), maxRecentLines)
	}
	// The retained lines are the most recent, in order.
	for i, line := range rec.RecentOutput {
		want := fmt.Sprintf("line %d", 50-maxRecentLines+i)
		if line != want {
			t.Errorf("recent_output[%d] = %q, want %q", i, line, want)
		}
	}
}

func TestConnectedIsMonotone(t *testing.T) {
	w := newTestWriter(t)

	if w.Connected() {
		t.Fatal("fresh record reports connected")
	}
	w.SetConnected()
	if !w.Connected() {
		t.Fatal("connected not set")
	}
	w.SetConnected()
	if !w.Connected() {
		t.Fatal("connected flipped back")
	}
}

func TestSetListenPort(t *testing.T) {
	w := newTestWriter(t)

	if err := w.SetListenPort(33101); err != nil {
		t.Errorf("valid port rejected: %v", err)
	}
	if w.Record().ListenPort != 33101 {
		t.Errorf("listen port = %d, want 33101", w.Record().ListenPort)
	}
	for _, bad := range []int{0, -1, 65536} {
		if err := w.SetListenPort(bad); err == nil {
			t.Errorf("port %d accepted", bad)
		}
	}
}

func TestExitStatusCoherence(t *testing.T) {
	w := newTestWriter(t)

	if err := w.SetExitStatus(0, ""); err != nil {
		t.Errorf("clean exit rejected: %v", err)
	}
	if err := w.SetExitStatus(1, "Exited with status 1"); err != nil {
		t.Errorf("failed exit rejected: %v", err)
	}
	if err := w.SetExitStatus(-11, "Exited due to signal 11"); err != nil {
		t.Errorf("signal exit rejected: %v", err)
	}

	if err := w.SetExitStatus(0, "something went wrong"); err == nil {
		t.Error("exit 0 with message accepted")
	}
	if err := w.SetExitStatus(1, ""); err == nil {
		t.Error("exit 1 without message accepted")
	}
}

func TestFlushRateLimit(t *testing.T) {
	w := newTestWriter(t)

	clock := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	if err := w.Flush(false); err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	firstMtime := *w.Record().MTime

	// Within the 5s window unforced flushes are dropped.
	clock = clock.Add(2 * time.Second)
	if err := w.Flush(false); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if !w.Record().MTime.Equal(firstMtime) {
		t.Error("unforced flush within window updated mtime")
	}

	// Forced flushes always write.
	if err := w.Flush(true); err != nil {
		t.Fatalf("forced flush failed: %v", err)
	}
	if w.Record().MTime.Equal(firstMtime) {
		t.Error("forced flush did not update mtime")
	}

	// Past the window unforced flushes write again.
	clock = clock.Add(6 * time.Second)
	before := *w.Record().MTime
	if err := w.Flush(false); err != nil {
		t.Fatalf("post-window flush failed: %v", err)
	}
	if w.Record().MTime.Equal(before) {
		t.Error("unforced flush past window did not write")
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		t.Fatalf("failed to read status file: %v", err)
	}
	var rec StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("status file is not valid JSON: %v", err)
	}
}

func TestFlushWritesWorldUnreadable(t *testing.T) {
	w := newTestWriter(t)

	w.AddLine("hello")
	if err := w.Flush(true); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	info, err := os.Stat(w.path)
	if err != nil {
		t.Fatalf("stat status file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o400 {
		t.Errorf("status file mode = %o, want 0400", perm)
	}
}

func TestFlushOverwritesExistingFile(t *testing.T) {
	w := newTestWriter(t)

	if err := w.Flush(true); err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	w.AddLine("second round")
	if err := w.Flush(true); err != nil {
		t.Fatalf("second flush over 0400 file failed: %v", err)
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		t.Fatalf("read status file: %v", err)
	}
	var rec StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal status file: %v", err)
	}
	if len(rec.RecentOutput) != 1 || rec.RecentOutput[0] != "second round" {
		t.Errorf("status file content = %+v", rec.RecentOutput)
	}
}

func TestMtimeNeverBeforeCtime(t *testing.T) {
	w := newTestWriter(t)

	if err := w.Flush(true); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	rec := w.Record()
	if rec.MTime == nil {
		t.Fatal("mtime unset after flush")
	}
	if rec.MTime.Before(rec.CTime) {
		t.Errorf("mtime %v before ctime %v", rec.MTime, rec.CTime)
	}
}
