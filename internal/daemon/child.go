package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// Child supervises the helper pipeline: one process group containing the
// socket relay, the optional compressor, the bulk copier and their shell
// glue. Signals always target the group so grandchildren die with it.
type Child struct {
	cmd    *exec.Cmd
	pid    int
	stderr *os.File // parent's read end of the child's stderr pipe
	waited bool
	status int
}

// SpawnChild starts argv in its own process group. The write ends of the
// supervision pipes are handed over as extra files (descriptors 3 and up in
// the child); everything else except the standard three is closed across
// exec. Stdin comes from /dev/null, stdout is inherited so shell glue can
// print, stderr is captured through a pipe whose read end is returned via
// Stderr().
func SpawnChild(argv []string, env []string, extraFiles []*os.File) (*Child, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty child command")
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = errW
	cmd.ExtraFiles = extraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("failed to start child: %w", err)
	}
	errW.Close()

	pid := cmd.Process.Pid

	// The child moves itself into its own group before exec; doing it from
	// the parent as well closes the race. EACCES/EPERM mean the child got
	// there first.
	if err := syscall.Setpgid(pid, pid); err != nil &&
		!errors.Is(err, syscall.EACCES) && !errors.Is(err, syscall.EPERM) && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("Failed to set child process group from parent", "pid", pid, "error", err)
	}

	slog.Info("Child pipeline started", "pid", pid)
	return &Child{cmd: cmd, pid: pid, stderr: errR}, nil
}

// Pid returns the child's process ID (== its process group ID).
func (c *Child) Pid() int {
	return c.pid
}

// Stderr returns the parent's read end of the child's stderr pipe.
func (c *Child) Stderr() *os.File {
	return c.stderr
}

// Kill sends sig to the whole process group. A group that is already gone
// is not an error.
func (c *Child) Kill(sig syscall.Signal) error {
	err := syscall.Kill(-c.pid, sig)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal child group %d: %w", c.pid, err)
	}
	return nil
}

// Wait reaps the child and returns its exit status: the exit code for a
// normal exit, or the negated signal number for termination by signal.
func (c *Child) Wait() (int, error) {
	if c.waited {
		return c.status, nil
	}

	err := c.cmd.Wait()
	c.waited = true

	if err == nil {
		c.status = 0
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				c.status = -int(ws.Signal())
			} else {
				c.status = ws.ExitStatus()
			}
			return c.status, nil
		}
		c.status = exitErr.ExitCode()
		return c.status, nil
	}
	return 0, fmt.Errorf("failed to wait for child: %w", err)
}

// ForceQuit escalates to SIGKILL if the child has not been reaped yet and
// then waits. The supervisor never exits with the child still running.
func (c *Child) ForceQuit() (int, error) {
	if !c.waited && c.alive() {
		slog.Warn("Child still running, sending SIGKILL to group", "pid", c.pid)
		if err := c.Kill(syscall.SIGKILL); err != nil {
			slog.Warn("Failed to SIGKILL child group", "pid", c.pid, "error", err)
		}
	}
	return c.Wait()
}

// alive reports whether the child process still exists (a zombie counts;
// the follow-up Wait reaps it either way).
func (c *Child) alive() bool {
	return syscall.Kill(c.pid, 0) == nil
}
