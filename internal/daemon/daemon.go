// Package daemon implements the transfer supervisor: it spawns the helper
// pipeline (bulk copier, optional compressor, TLS socket relay) in its own
// process group, multiplexes the pipeline's output descriptors, derives
// live progress from the copier's status output, and persists a
// rate-limited status file for the orchestrator.
package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"go.olrik.dev/diskferry/internal/core"
	"go.olrik.dev/diskferry/internal/db"
)

// Process exit codes. ExitNotFound mirrors the shell convention for a
// command that could not be executed.
const (
	ExitSuccess  = 0
	ExitFailure  = 1
	ExitNotFound = 127
)

// defaultLinger is the grace period between telling the child to stop and
// escalating.
const defaultLinger = 5 * time.Second

// Supervisor runs one transfer from spawn to reaped child. It owns the
// status writer; all state mutation happens on the supervising flow.
type Supervisor struct {
	cfg     core.Config
	status  *StatusWriter
	journal *db.DB // nil when event journalling is disabled
	linger  time.Duration
}

// New creates a supervisor for one transfer run. journal may be nil.
func New(cfg core.Config, journal *db.DB) *Supervisor {
	linger := cfg.Linger
	if linger <= 0 {
		linger = defaultLinger
	}
	return &Supervisor{
		cfg:     cfg,
		status:  NewStatusWriter(cfg.StatusFile),
		journal: journal,
		linger:  linger,
	}
}

// Run executes the transfer and returns the process exit code. Whatever
// happens, the status file is force-flushed with the true outcome and the
// child is never left running.
func (s *Supervisor) Run() int {
	s.event("transfer_started", string(s.cfg.Mode))

	code, err := s.run()
	if err != nil {
		slog.Error("Transfer failed", "mode", s.cfg.Mode, "error", err)
		if s.status.Record().ExitStatus == nil {
			if serr := s.status.SetExitStatus(code, err.Error()); serr != nil {
				slog.Error("Failed to record exit status", "error", serr)
			}
		}
	}

	if ferr := s.status.Flush(true); ferr != nil {
		slog.Error("Failed to write final status file", "error", ferr)
	}
	s.event("transfer_finished", fmt.Sprintf("exit code %d", code))
	return code
}

func (s *Supervisor) run() (int, error) {
	if s.cfg.Compress != core.CompressNone {
		if err := CheckCompressor(s.cfg.CompressBinary(), toolProbeTimeout); err != nil {
			return ExitFailure, err
		}
	}

	argv, env := NewCommandBuilder(s.cfg).Build()
	slog.Debug("Child command built", "argv", argv)

	pipes, err := newSupervisionPipes()
	if err != nil {
		return ExitFailure, err
	}
	defer pipes.closeAll()

	child, err := SpawnChild(argv, env, pipes.writeEnds())
	if err != nil {
		return ExitNotFound, err
	}
	// The child has inherited the write ends; closing them here preserves
	// EOF semantics on the read ends.
	pipes.closeWriteEnds()

	parser := NewProgressParser(s.status, s.cfg.ExpectedSize, s.event)

	// The bridge goes in only after the process group exists, so a signal
	// cannot race ahead of its kill target.
	bridge, err := NewSignalBridge(func(sig syscall.Signal) {
		if kerr := child.Kill(sig); kerr != nil {
			slog.Warn("Failed to forward signal to child group", "signal", sig, "error", kerr)
		}
	})
	if err != nil {
		child.ForceQuit()
		return ExitFailure, err
	}
	defer bridge.Reset()

	loop := NewEventLoop(parser, s.status, child, bridge, s.cfg.Mode, s.cfg.ConnectTimeout, s.linger, s.event)
	if err := s.registerStreams(loop, pipes, child); err != nil {
		child.ForceQuit()
		return ExitFailure, err
	}

	if err := s.status.Flush(true); err != nil {
		slog.Warn("Failed to write initial status file", "error", err)
	}

	clean, loopErr := loop.Run()
	parser.FlushAll()

	var exitStatus int
	var waitErr error
	if clean {
		exitStatus, waitErr = child.Wait()
	} else {
		exitStatus, waitErr = child.ForceQuit()
	}
	if loopErr != nil {
		return ExitFailure, loopErr
	}
	if waitErr != nil {
		return ExitFailure, waitErr
	}

	switch {
	case exitStatus == 0:
		s.status.SetExitStatus(0, "")
		slog.Info("Transfer finished", "mode", s.cfg.Mode)
		return ExitSuccess, nil
	case exitStatus < 0:
		s.status.SetExitStatus(exitStatus, fmt.Sprintf("Exited due to signal %d", -exitStatus))
	default:
		s.status.SetExitStatus(exitStatus, fmt.Sprintf("Exited with status %d", exitStatus))
	}
	slog.Warn("Child exited abnormally", "status", exitStatus)
	return ExitFailure, nil
}

func (s *Supervisor) registerStreams(loop *EventLoop, pipes *supervisionPipes, child *Child) error {
	streams := []struct {
		file *os.File
		tag  StreamTag
	}{
		{pipes.copierStatusR, StreamCopierStatus},
		{pipes.copierPidR, StreamCopierPID},
		{pipes.relayStderrR, StreamRelayStderr},
		{pipes.expSizeR, StreamExpSize},
		{child.Stderr(), StreamChildOther},
	}
	for _, st := range streams {
		if err := loop.AddStream(st.file, st.tag); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) event(eventType, details string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.LogTransferEvent(string(s.cfg.Mode), eventType, details); err != nil {
		slog.Debug("Failed to journal transfer event", "event", eventType, "error", err)
	}
}

// supervisionPipes holds the four pipes whose write ends are handed to the
// child: copier status, copier PID, relay stderr, size report.
type supervisionPipes struct {
	copierStatusR, copierStatusW *os.File
	copierPidR, copierPidW       *os.File
	relayStderrR, relayStderrW   *os.File
	expSizeR, expSizeW           *os.File
}

func newSupervisionPipes() (*supervisionPipes, error) {
	p := &supervisionPipes{}
	pairs := []struct {
		r, w **os.File
	}{
		{&p.copierStatusR, &p.copierStatusW},
		{&p.copierPidR, &p.copierPidW},
		{&p.relayStderrR, &p.relayStderrW},
		{&p.expSizeR, &p.expSizeW},
	}
	for _, pair := range pairs {
		r, w, err := os.Pipe()
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("failed to create supervision pipe: %w", err)
		}
		*pair.r = r
		*pair.w = w
	}
	return p, nil
}

// writeEnds returns the write ends in the order matching the child-side
// descriptor numbers (3 through 6).
func (p *supervisionPipes) writeEnds() []*os.File {
	return []*os.File{p.copierStatusW, p.copierPidW, p.relayStderrW, p.expSizeW}
}

func (p *supervisionPipes) closeWriteEnds() {
	for _, f := range p.writeEnds() {
		if f != nil {
			f.Close()
		}
	}
	p.copierStatusW, p.copierPidW, p.relayStderrW, p.expSizeW = nil, nil, nil, nil
}

func (p *supervisionPipes) closeAll() {
	for _, f := range []*os.File{
		p.copierStatusR, p.copierStatusW,
		p.copierPidR, p.copierPidW,
		p.relayStderrR, p.relayStderrW,
		p.expSizeR, p.expSizeW,
	} {
		if f != nil {
			f.Close()
		}
	}
}
