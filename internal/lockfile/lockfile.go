// Package lockfile guarantees a single SalesPipe process per state directory.
//
// Two processes sharing a state directory would both answer the same customers and
// race on their contexts, so startup takes an exclusive flock that the kernel drops
// when the process exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "salespipe.lock"

// Owner describes the process holding the lock.
type Owner struct {
	PID       int
	Channel   string
	StartedAt time.Time
}

// String renders the owner in the lock file format.
func (o Owner) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	if o.Channel != "" {
		fmt.Fprintf(&b, "channel=%s\n", o.Channel)
	}
	if !o.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started_at=%s\n", o.StartedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// parseOwner reads the key=value lines written by Owner.String. Unknown keys are ignored.
func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "channel":
			o.Channel = value
		case "started_at":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.StartedAt = t
			}
		}
	}
	return o
}

// Lock is an acquired state directory lock.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed.
// It fails immediately with a *LockError when another process holds the lock.
func AcquireLock(stateDir, channel string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the lock is held so a losing process cannot wipe the owner info.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Existing: readOwner(lockPath), Cause: err}
		slog.Error("Lockfile: state directory already locked", "lock_path", lockPath, "existing", lockErr.describeExisting())
		return nil, lockErr
	}

	owner := Owner{PID: os.Getpid(), Channel: channel, StartedAt: time.Now()}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lockfile: acquired state directory lock", "lock_path", lockPath, "pid", owner.PID, "channel", channel)
	return &Lock{file: file, path: lockPath, owner: owner}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(owner.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile: failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Owner returns the information written into the lock file.
func (l *Lock) Owner() Owner {
	return l.owner
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lockfile: failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lockfile: failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	l.file = nil
	slog.Info("Lockfile: released state directory lock", "lock_path", l.path)
	return nil
}

// LockError is returned when another process already holds the lock.
type LockError struct {
	LockPath string
	Existing *Owner
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another SalesPipe instance is already running on this state directory (lock file: %s", e.LockPath)
	if desc := e.describeExisting(); desc != "" {
		msg += ", holder: " + desc
	}
	msg += "). Running two instances would send duplicate replies to customers; " +
		fmt.Sprintf("remove %s only if no other instance is running", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func (e *LockError) describeExisting() string {
	if e.Existing == nil || e.Existing.PID == 0 {
		return ""
	}
	status := "not running, stale lock"
	if isProcessRunning(e.Existing.PID) {
		status = "running"
	}
	desc := fmt.Sprintf("PID %d (%s)", e.Existing.PID, status)
	if e.Existing.Channel != "" {
		desc += " channel " + e.Existing.Channel
	}
	return desc
}

// readOwner returns the owner recorded in lockPath, or nil when it cannot be read.
func readOwner(lockPath string) *Owner {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return nil
	}
	o := parseOwner(string(data))
	return &o
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
