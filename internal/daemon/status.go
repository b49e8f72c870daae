package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	// maxRecentLines bounds the recent_output FIFO in the status record.
	maxRecentLines = 20

	// flushInterval is the minimum time between unforced status writes.
	flushInterval = 5 * time.Second
)

// StatusRecord is the progress record the orchestrator polls. It is written
// as a self-describing JSON document at mode 0400.
type StatusRecord struct {
	CTime        time.Time  `json:"ctime"`
	MTime        *time.Time `json:"mtime,omitempty"`
	RecentOutput []string   `json:"recent_output"`

	ListenPort int  `json:"listen_port,omitempty"`
	Connected  bool `json:"connected"`

	ProgressMBytes     *float64 `json:"progress_mbytes,omitempty"`
	ProgressThroughput *float64 `json:"progress_throughput,omitempty"`
	ProgressPercent    *float64 `json:"progress_percent,omitempty"`
	ProgressETA        *int64   `json:"progress_eta,omitempty"`

	ExitStatus   *int   `json:"exit_status,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StatusWriter owns the status record and persists it atomically. All
// mutation happens on the supervising flow; no locking is needed.
type StatusWriter struct {
	path string
	rec  StatusRecord
	now  func() time.Time
}

// NewStatusWriter creates a writer for the given path. ctime is set once,
// here.
func NewStatusWriter(path string) *StatusWriter {
	w := &StatusWriter{
		path: path,
		now:  time.Now,
	}
	w.rec.CTime = w.now()
	w.rec.RecentOutput = []string{}
	return w
}

// AddLine appends a human-readable line to recent_output, dropping the
// oldest entries to keep at most maxRecentLines.
func (w *StatusWriter) AddLine(s string) {
	w.rec.RecentOutput = append(w.rec.RecentOutput, s)
	if n := len(w.rec.RecentOutput); n > maxRecentLines {
		w.rec.RecentOutput = w.rec.RecentOutput[n-maxRecentLines:]
	}
}

// SetListenPort records the TCP port the child advertises in import mode.
func (w *StatusWriter) SetListenPort(port int) error {
	if port <= 0 || port >= 1<<16 {
		return fmt.Errorf("invalid listen port %d", port)
	}
	w.rec.ListenPort = port
	return nil
}

// SetConnected marks the transfer connection as established. The transition
// is one-way; there is no way to clear it.
func (w *StatusWriter) SetConnected() {
	w.rec.Connected = true
}

// Connected reports whether the connected transition has happened.
func (w *StatusWriter) Connected() bool {
	return w.rec.Connected
}

// SetProgress updates the derived progress fields. percent and eta may be
// nil when the expected size is unknown.
func (w *StatusWriter) SetProgress(mbytes, throughput float64, percent *float64, eta *int64) {
	w.rec.ProgressMBytes = &mbytes
	w.rec.ProgressThroughput = &throughput
	w.rec.ProgressPercent = percent
	w.rec.ProgressETA = eta
}

// SetExitStatus records the final outcome. code 0 requires an empty
// message and any other code requires a non-empty one; negative codes
// encode termination by signal.
func (w *StatusWriter) SetExitStatus(code int, msg string) error {
	if (code == 0) != (msg == "") {
		return fmt.Errorf("exit status %d and error message %q are inconsistent", code, msg)
	}
	w.rec.ExitStatus = &code
	w.rec.ErrorMessage = msg
	return nil
}

// Record returns a copy of the current record, for inspection.
func (w *StatusWriter) Record() StatusRecord {
	rec := w.rec
	rec.RecentOutput = append([]string(nil), w.rec.RecentOutput...)
	return rec
}

// Flush serializes the record and writes it to the status file atomically,
// world-unreadable. Unforced flushes are dropped when the last write was
// less than flushInterval ago.
func (w *StatusWriter) Flush(force bool) error {
	now := w.now()
	if !force && w.rec.MTime != nil && now.Sub(*w.rec.MTime) < flushInterval {
		return nil
	}
	mtime := now
	w.rec.MTime = &mtime

	data, err := json.MarshalIndent(&w.rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize status record: %w", err)
	}
	data = append(data, '\n')

	// Write-temp plus rename so readers see either the previous record or
	// the new one, never a torn write.
	tempPath := w.path + ".new"
	os.Remove(tempPath)
	if err := os.WriteFile(tempPath, data, 0o400); err != nil {
		return fmt.Errorf("failed to write status temp file: %w", err)
	}
	if err := os.Rename(tempPath, w.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file: %w", err)
	}
	return nil
}
