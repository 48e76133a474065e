// Package proc runs job commands as local child processes with their output
// appended to a log file.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
)

// Handle supervises one started command.
type Handle interface {
	// Poll reports the exit code once the process has stopped. It never
	// blocks; done is false while the process is still running.
	Poll() (code int, done bool)
	// Terminate asks the process to stop (SIGTERM).
	Terminate() error
	// Kill forcibly stops the process and its whole group (SIGKILL).
	Kill() error
	// Close releases the handle's resources (the log file). Safe to call
	// more than once.
	Close() error
	// LogPath is the file receiving the process's combined output.
	LogPath() string
}

// StartFunc launches command with extra environment variables, appending its
// stdout and stderr to the file at logPath. Injectable so the engine can be
// tested without forking.
type StartFunc func(command, logPath string, env map[string]string) (Handle, error)

type osHandle struct {
	cmd     *exec.Cmd
	logFile *os.File
	logPath string

	done chan struct{}
	code int

	closeOnce sync.Once
}

// Start runs command through "/bin/sh -c" in its own process group. The log
// file is opened in append mode so a log downloaded from a previous run is
// extended, not truncated.
func Start(command, logPath string, env map[string]string) (Handle, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %q: %w", logPath, err)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Env = append(os.Environ(), flatten(env)...)
	// Own process group so Kill reaps the full tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		f.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	h := &osHandle{cmd: cmd, logFile: f, logPath: logPath, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.code = exitCode(err)
		close(h.done)
	}()
	return h, nil
}

func (h *osHandle) Poll() (int, bool) {
	select {
	case <-h.done:
		return h.code, true
	default:
		return 0, false
	}
}

func (h *osHandle) Terminate() error {
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !isDone(err) {
		return fmt.Errorf("terminate pid %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

func (h *osHandle) Kill() error {
	// Negative pid targets the process group.
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill pgid %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

func (h *osHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.logFile.Close()
	})
	return err
}

func (h *osHandle) LogPath() string { return h.logPath }

func isDone(err error) bool {
	return err == os.ErrProcessDone
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func flatten(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
