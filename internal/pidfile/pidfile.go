// Package pidfile guards against two copies of the keeper's node-active
// loop running against the same state file at once: the state file must
// be written by exactly one process.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Write creates (or overwrites) the PID file with the current process's
// PID, via write-temp-then-rename so a reader never observes a partial
// file.
func Write(path string) error {
	tmp := path + ".new"
	content := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("pidfile: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// Read returns the PID recorded in path.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: malformed content in %s: %w", path, err)
	}
	return pid, nil
}

// Remove unlinks the PID file. Missing files are not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether pid refers to a live process, using signal 0
// (unix.Kill with signal 0 performs existence and permission checks only;
// no signal is actually delivered).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil
}

// IsUs reports whether the PID file still names this process. The
// control loop calls this once per tick and aborts if another instance
// has taken over.
func IsUs(path string) (bool, error) {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No pidfile: this is the first iteration, not a takeover.
			return true, nil
		}
		return false, err
	}
	return pid == os.Getpid(), nil
}
