package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalBridge turns SIGTERM/SIGINT into descriptor readiness so the event
// loop sees signals and I/O through the same poll call. Delivery work is
// minimal: record the signal, invoke the forward callback, write one byte
// into the self-pipe.
//
// Install the bridge only after the child process group exists, otherwise
// the forward callback races ahead of its kill target.
type SignalBridge struct {
	readEnd  *os.File
	writeEnd *os.File
	ch       chan os.Signal
	done     chan struct{}

	called atomic.Bool
	signum atomic.Int32

	forward func(sig syscall.Signal)
}

// NewSignalBridge installs handlers for the user-initiated termination
// signals. forward is invoked on delivery, before the event loop wakes; it
// must be safe to call from a goroutine other than the supervising flow.
func NewSignalBridge(forward func(sig syscall.Signal)) (*SignalBridge, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create wakeup pipe: %w", err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to set wakeup pipe non-blocking: %w", err)
	}

	b := &SignalBridge{
		readEnd:  r,
		writeEnd: w,
		ch:       make(chan os.Signal, 4),
		done:     make(chan struct{}),
		forward:  forward,
	}
	signal.Notify(b.ch, syscall.SIGTERM, syscall.SIGINT)

	go b.deliver()
	return b, nil
}

func (b *SignalBridge) deliver() {
	for {
		select {
		case sig, ok := <-b.ch:
			if !ok {
				return
			}
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			slog.Info("Termination signal received", "signal", s)
			b.signum.Store(int32(s))
			b.called.Store(true)
			if b.forward != nil {
				b.forward(s)
			}
			// One byte wakes poll; if a previous byte is still
			// unread the pipe write may block briefly, which is
			// fine here.
			b.writeEnd.Write([]byte{0})
		case <-b.done:
			return
		}
	}
}

// Fd returns the read end of the self-pipe for registration in the event
// loop.
func (b *SignalBridge) Fd() int {
	return int(b.readEnd.Fd())
}

// Called reports whether a signal has been delivered since the last Clear.
func (b *SignalBridge) Called() bool {
	return b.called.Load()
}

// Signal returns the most recently delivered signal number.
func (b *SignalBridge) Signal() syscall.Signal {
	return syscall.Signal(b.signum.Load())
}

// Clear drains the wakeup byte(s) and resets the called flag.
func (b *SignalBridge) Clear() {
	// Fd() puts the descriptor back into blocking mode; switch it to
	// non-blocking again so the drain stops at EAGAIN.
	fd := int(b.readEnd.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		slog.Warn("Failed to set wakeup pipe non-blocking", "error", err)
		b.called.Store(false)
		return
	}
	buf := make([]byte, 16)
	for {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			break
		}
	}
	b.called.Store(false)
}

// Reset restores default signal handling and releases the pipe.
func (b *SignalBridge) Reset() {
	signal.Stop(b.ch)
	close(b.done)
	b.readEnd.Close()
	b.writeEnd.Close()
}
