package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"go.olrik.dev/diskferry/internal/core"
)

// readChunk caps single reads so no one source can starve the others.
const readChunk = 1024

// groupSignaller is the slice of the child supervisor the loop needs.
type groupSignaller interface {
	Kill(sig syscall.Signal) error
}

type fdEntry struct {
	tag  StreamTag
	file *os.File
}

// EventLoop multiplexes the child's output descriptors and the signal
// bridge's wakeup descriptor with poll, drives the connect-timeout and
// shutdown-linger state machine, and periodically pokes the copier for
// fresh statistics. It runs on a single flow of control; every read is
// non-blocking.
type EventLoop struct {
	parser *ProgressParser
	status *StatusWriter
	child  groupSignaller
	bridge *SignalBridge

	mode           core.Mode
	connectTimeout time.Duration
	linger         time.Duration

	fds map[int]fdEntry

	// Deadlines; the zero time means unarmed.
	listenDeadline time.Time
	exitDeadline   time.Time
	statsDeadline  time.Time

	now     func() time.Time
	onEvent func(eventType, details string)
}

// NewEventLoop assembles a loop over the given collaborators. Streams are
// registered afterwards with AddStream.
func NewEventLoop(parser *ProgressParser, status *StatusWriter, child groupSignaller, bridge *SignalBridge, mode core.Mode, connectTimeout, linger time.Duration, onEvent func(string, string)) *EventLoop {
	return &EventLoop{
		parser:         parser,
		status:         status,
		child:          child,
		bridge:         bridge,
		mode:           mode,
		connectTimeout: connectTimeout,
		linger:         linger,
		fds:            make(map[int]fdEntry),
		now:            time.Now,
		onEvent:        onEvent,
	}
}

// AddStream registers the read end of a child pipe under its stream tag
// and switches it to non-blocking mode so the poll readable bit truly
// reflects available data.
func (l *EventLoop) AddStream(f *os.File, tag StreamTag) error {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("failed to set %s descriptor non-blocking: %w", tag, err)
	}
	l.fds[fd] = fdEntry{tag: tag, file: f}
	return nil
}

// Run drives the loop until every data descriptor has reached EOF or the
// exit deadline has passed. The returned boolean is true when the child
// closed all its descriptors without the exit timeout ever being armed;
// the caller then waits for the child, otherwise it force-quits.
func (l *EventLoop) Run() (bool, error) {
	l.statsDeadline = l.now() // first copier poke fires immediately
	if l.mode == core.ModeImport && l.connectTimeout > 0 {
		l.listenDeadline = l.now().Add(l.connectTimeout)
	}

	for {
		// All child streams EOF'd: the child is done or dying. The
		// wakeup descriptor alone does not keep the loop alive.
		if len(l.fds) == 0 {
			return l.exitDeadline.IsZero(), nil
		}

		now := l.now()
		timeout := -1

		if !l.listenDeadline.IsZero() && l.exitDeadline.IsZero() {
			switch {
			case l.status.Connected():
				l.listenDeadline = time.Time{}
			case !now.Before(l.listenDeadline):
				msg := fmt.Sprintf("Child process didn't establish connection in time (%ds), sending SIGTERM",
					int(l.connectTimeout/time.Second))
				slog.Warn("Connect timeout expired", "timeout", l.connectTimeout)
				l.status.AddLine(msg)
				l.status.Flush(true)
				if err := l.child.Kill(syscall.SIGTERM); err != nil {
					slog.Warn("Failed to SIGTERM child group", "error", err)
				}
				l.event("connect_timeout", msg)
				l.listenDeadline = time.Time{}
				l.exitDeadline = now.Add(l.linger)
			default:
				// Re-check the connected flag next second.
				timeout = 1000
			}
		}

		if !l.exitDeadline.IsZero() {
			remain := l.exitDeadline.Sub(now)
			if remain <= 0 {
				slog.Warn("Child didn't exit in time", "linger", l.linger)
				l.status.AddLine("Child process didn't exit in time")
				return false, nil
			}
			timeout = int(remain.Milliseconds()) + 1
		}

		if !now.Before(l.statsDeadline) {
			if l.parser.NotifyCopier() {
				l.statsDeadline = now.Add(statsInterval)
			} else {
				l.statsDeadline = now.Add(statsRetryInterval)
			}
		}
		if statsRemain := int(l.statsDeadline.Sub(now).Milliseconds()) + 1; timeout < 0 || statsRemain < timeout {
			timeout = statsRemain
		}

		pollFds := make([]unix.PollFd, 0, len(l.fds)+1)
		for fd := range l.fds {
			pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
		pollFds = append(pollFds, unix.PollFd{Fd: int32(l.bridge.Fd()), Events: unix.POLLIN})

		_, err := unix.Poll(pollFds, timeout)
		if err != nil {
			// A signal-interrupted poll is not a wake condition; only
			// the wakeup descriptor is. Treat it as an empty ready set.
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, fmt.Errorf("poll: %w", err)
		}

		for _, pfd := range pollFds {
			if pfd.Revents == 0 {
				continue
			}
			fd := int(pfd.Fd)
			if fd == l.bridge.Fd() {
				l.handleWakeup()
				continue
			}
			if pfd.Revents&unix.POLLIN != 0 {
				l.readStream(fd)
			} else if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				l.removeStream(fd)
			}
		}

		l.parser.FlushAll()
	}
}

// readStream reads up to readChunk bytes from a ready data descriptor and
// pushes them into the parser. A zero-byte read is EOF.
func (l *EventLoop) readStream(fd int) {
	entry, ok := l.fds[fd]
	if !ok {
		return
	}
	buf := make([]byte, readChunk)
	n, err := unix.Read(fd, buf)
	switch {
	case n > 0:
		l.parser.Consume(entry.tag, buf[:n])
	case n == 0 && err == nil:
		slog.Debug("Stream closed", "stream", entry.tag.String())
		l.removeStream(fd)
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		// Readable bit raced with the data; try again next round.
	default:
		slog.Warn("Read error on stream", "stream", entry.tag.String(), "error", err)
		l.removeStream(fd)
	}
}

func (l *EventLoop) removeStream(fd int) {
	if entry, ok := l.fds[fd]; ok {
		entry.file.Close()
		delete(l.fds, fd)
	}
}

// handleWakeup consumes a signal-bridge wakeup. The handler has already
// relayed the signal to the child group; here we only arm the linger
// deadline so the loop drains remaining output and exits.
func (l *EventLoop) handleWakeup() {
	called := l.bridge.Called()
	l.bridge.Clear()
	if !called {
		return
	}
	sig := l.bridge.Signal()
	if l.exitDeadline.IsZero() {
		l.exitDeadline = l.now().Add(l.linger)
		slog.Info("Signal relayed to child group, waiting for it to exit",
			"signal", sig, "linger", l.linger)
		l.event("signal_received", sig.String())
	} else {
		slog.Info("Signal received while already shutting down",
			"signal", sig, "remaining", l.exitDeadline.Sub(l.now()).Round(time.Millisecond))
	}
}

func (l *EventLoop) event(eventType, details string) {
	if l.onEvent != nil {
		l.onEvent(eventType, details)
	}
}
