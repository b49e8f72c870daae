package daemon

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"go.olrik.dev/diskferry/internal/core"
)

// StreamTag identifies which child descriptor a chunk of bytes came from.
type StreamTag int

const (
	// StreamCopierStatus is the bulk copier's periodic stderr status.
	StreamCopierStatus StreamTag = iota
	// StreamCopierPID carries a single integer line with the copier's PID.
	StreamCopierPID
	// StreamRelayStderr is the socket relay's stderr.
	StreamRelayStderr
	// StreamExpSize carries a single integer line with the exported size
	// in bytes (custom expected size).
	StreamExpSize
	// StreamChildOther is shell glue output (the child's own stderr).
	StreamChildOther
)

func (t StreamTag) String() string {
	switch t {
	case StreamCopierStatus:
		return "copier-status"
	case StreamCopierPID:
		return "copier-pid"
	case StreamRelayStderr:
		return "relay-stderr"
	case StreamExpSize:
		return "exp-size"
	case StreamChildOther:
		return "child-stderr"
	}
	return "unknown"
}

var (
	// dd prints its running total to stderr when nudged with SIGUSR1, e.g.
	// "1048576 bytes (1.0 MB, 1.0 MiB) copied, 4.0 s, 262 kB/s".
	copierStatusRe = regexp.MustCompile(`^(\d+)\s+bytes?\b.*\bcopied\b`)

	// socat announces its listen socket at notice level, e.g.
	// "... socat[1234] N listening on AF=2 0.0.0.0:33101".
	relayListenRe = regexp.MustCompile(`listening on\s+AF=\d+\s+.*:(\d+)\s*$`)

	// socat announces an established connection either by accepting one
	// (import) or by entering its transfer loop (export). The two facts
	// are matched independently of the port announcement on every line.
	relayConnectedRe = regexp.MustCompile(`starting data transfer loop|successfully connected|accepting connection from`)
)

const (
	// throughputWindow covers a 60-second horizon sampled every 5 seconds.
	throughputWindow = 12

	// statsInterval is the copier-poke cadence once the PID is known;
	// statsRetryInterval applies while it is not.
	statsInterval      = 5 * time.Second
	statsRetryInterval = 1 * time.Second

	mib = 1 << 20
)

type throughputSample struct {
	when  time.Time
	bytes int64
}

// ProgressParser consumes the child's output streams, derives progress and
// throughput from the copier status lines, and dispatches the other streams
// to their sinks. It owns one line buffer per stream.
type ProgressParser struct {
	status  *StatusWriter
	buffers map[StreamTag]*LineBuffer

	// expectedBytes is 0 until the size is known (fixed up front, or
	// reported at runtime through the size pipe).
	expectedBytes int64

	copierPID int
	samples   []throughputSample

	// onEvent receives notable transitions for the event journal. May be
	// nil.
	onEvent func(eventType, details string)

	now  func() time.Time
	kill func(pid int, sig syscall.Signal) error
}

// NewProgressParser wires up the stream dispatch table. expected is taken
// from the run configuration; a fixed size enables percent/ETA right away.
func NewProgressParser(status *StatusWriter, expected core.ExpectedSize, onEvent func(string, string)) *ProgressParser {
	p := &ProgressParser{
		status:  status,
		onEvent: onEvent,
		now:     time.Now,
		kill:    syscall.Kill,
	}
	if expected.Kind == core.SizeFixed {
		p.expectedBytes = expected.MiB * mib
	}
	p.buffers = map[StreamTag]*LineBuffer{
		StreamCopierStatus: NewLineBuffer(p.handleCopierStatus, false),
		StreamCopierPID:    NewLineBuffer(p.handleCopierPID, false),
		StreamRelayStderr:  NewLineBuffer(p.handleRelayStderr, true),
		StreamExpSize:      NewLineBuffer(p.handleExpSize, false),
		StreamChildOther:   NewLineBuffer(p.handleChildOther, true),
	}
	return p
}

// Consume pushes a chunk of bytes from the tagged stream through its line
// buffer.
func (p *ProgressParser) Consume(tag StreamTag, data []byte) {
	if buf, ok := p.buffers[tag]; ok {
		buf.Push(data)
	}
}

// FlushAll forces every line buffer to emit its buffered tail.
func (p *ProgressParser) FlushAll() {
	for _, buf := range p.buffers {
		buf.Flush()
	}
}

// NotifyCopier sends the copier its "print status now" signal (SIGUSR1).
// It reports false while the copier PID is not yet known or the signal
// cannot be delivered; the event loop uses that to retry at a faster
// cadence.
func (p *ProgressParser) NotifyCopier() bool {
	if p.copierPID <= 0 {
		return false
	}
	if !copierAlive(p.copierPID) {
		slog.Debug("Copier process gone, skipping status poke", "pid", p.copierPID)
		return false
	}
	if err := p.kill(p.copierPID, syscall.SIGUSR1); err != nil {
		slog.Debug("Failed to signal copier", "pid", p.copierPID, "error", err)
		return false
	}
	return true
}

// copierAlive checks that the recorded PID still refers to a live process
// before we signal it. PID reuse between status pokes is unlikely but
// signalling a stranger is worse than a missed sample.
var copierAlive = func(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

func (p *ProgressParser) handleCopierStatus(line string) {
	m := copierStatusRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	bytes, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return
	}

	p.samples = append(p.samples, throughputSample{when: p.now(), bytes: bytes})
	if n := len(p.samples); n > throughputWindow {
		p.samples = p.samples[n-throughputWindow:]
	}

	mbytes := float64(bytes) / mib
	throughput := p.windowThroughput()

	var percent *float64
	var eta *int64
	if p.expectedBytes > 0 {
		pct := float64(bytes) / float64(p.expectedBytes) * 100
		if pct > 100 {
			pct = 100
		}
		percent = &pct
		if e, ok := p.windowETA(bytes); ok {
			eta = &e
		}
	}
	p.status.SetProgress(mbytes, throughput, percent, eta)
}

// windowThroughput returns the rate over the sample window in MiB/s, or 0
// before two samples exist.
func (p *ProgressParser) windowThroughput() float64 {
	if len(p.samples) < 2 {
		return 0
	}
	first := p.samples[0]
	last := p.samples[len(p.samples)-1]
	dt := last.when.Sub(first.when).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / dt / mib
}

// windowETA estimates remaining seconds using the windowed rate.
func (p *ProgressParser) windowETA(bytes int64) (int64, bool) {
	if len(p.samples) < 2 {
		return 0, false
	}
	first := p.samples[0]
	last := p.samples[len(p.samples)-1]
	dbytes := last.bytes - first.bytes
	if dbytes <= 0 {
		return 0, false
	}
	dt := last.when.Sub(first.when).Seconds()
	eta := int64(float64(p.expectedBytes-bytes) * dt / float64(dbytes))
	if eta < 0 {
		eta = 0
	}
	return eta, true
}

func (p *ProgressParser) handleCopierPID(line string) {
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		slog.Warn("Ignoring malformed copier PID line", "line", strings.TrimSpace(line))
		return
	}
	p.copierPID = pid
	slog.Debug("Copier PID received", "pid", pid)
}

func (p *ProgressParser) handleRelayStderr(line string) {
	p.status.AddLine(line)

	// Port and connection announcements are matched independently; a
	// single line may in principle carry both facts.
	if m := relayListenRe.FindStringSubmatch(line); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil {
			if err := p.status.SetListenPort(port); err != nil {
				slog.Warn("Relay announced invalid listen port", "line", line, "error", err)
			} else {
				slog.Info("Relay listening", "port", port)
				p.event("listen_port", m[1])
				p.status.Flush(true)
			}
		}
	}
	if relayConnectedRe.MatchString(line) && !p.status.Connected() {
		p.status.SetConnected()
		slog.Info("Relay connection established")
		p.event("connected", line)
		p.status.Flush(true)
	}
}

func (p *ProgressParser) handleExpSize(line string) {
	bytes, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil || bytes <= 0 {
		slog.Warn("Ignoring malformed size report", "line", strings.TrimSpace(line))
		return
	}
	p.expectedBytes = bytes
	slog.Info("Exported size reported", "bytes", bytes)

	// The size report and the copier status arrive on separate streams in
	// no fixed order; refresh percent/ETA from the latest sample.
	if n := len(p.samples); n > 0 {
		last := p.samples[n-1].bytes
		pct := float64(last) / float64(bytes) * 100
		if pct > 100 {
			pct = 100
		}
		var eta *int64
		if e, ok := p.windowETA(last); ok {
			eta = &e
		}
		p.status.SetProgress(float64(last)/mib, p.windowThroughput(), &pct, eta)
	}
}

func (p *ProgressParser) handleChildOther(line string) {
	// Shell glue output goes to the secondary log stream verbatim.
	slog.Info("Child output", "stream", StreamChildOther.String(), "line", line)
}

func (p *ProgressParser) event(eventType, details string) {
	if p.onEvent != nil {
		p.onEvent(eventType, details)
	}
}
