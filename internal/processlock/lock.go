// Package processlock keeps two bridges from serving the same configuration,
// which would hold duplicate RCON sessions and raise every alert twice.
package processlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// DefaultFileName is created next to the configuration file.
const DefaultFileName = ".rconbridge.pid"

// ErrAlreadyRunning is returned when a live process holds the lock.
var ErrAlreadyRunning = errors.New("another rconbridge instance is already running")

// ProcessLock is a PID file claimed with O_EXCL.
type ProcessLock struct {
	pidFile string
	logger  *zap.Logger
	held    bool
}

// New creates a lock on pidFile.
func New(pidFile string, logger *zap.Logger) *ProcessLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessLock{
		pidFile: pidFile,
		logger:  logger.Named("processlock"),
	}
}

// ForConfig returns the lock guarding configPath.
func ForConfig(configPath string, logger *zap.Logger) *ProcessLock {
	return New(filepath.Join(filepath.Dir(configPath), DefaultFileName), logger)
}

// Path returns the PID file path.
func (p *ProcessLock) Path() string { return p.pidFile }

// Acquire claims the lock. A PID file left by a dead process is removed and
// claimed again once.
func (p *ProcessLock) Acquire() error {
	err := p.create()
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	pid, readErr := p.readPID()
	switch {
	case readErr != nil:
		p.logger.Warn("Failed to read PID file, removing stale lock",
			zap.String("pid_file", p.pidFile),
			zap.Error(readErr))
	case pid != os.Getpid() && isProcessRunning(pid):
		return fmt.Errorf("%w (PID: %d, lock: %s)", ErrAlreadyRunning, pid, p.pidFile)
	default:
		p.logger.Warn("Removing stale PID file from dead process",
			zap.Int("pid", pid),
			zap.String("pid_file", p.pidFile))
	}

	if err := os.Remove(p.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale PID file: %w", err)
	}
	if err := p.create(); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w (lock: %s)", ErrAlreadyRunning, p.pidFile)
		}
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Release removes the PID file if this lock holds it.
func (p *ProcessLock) Release() error {
	if !p.held {
		return nil
	}
	p.held = false
	if err := os.Remove(p.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	p.logger.Info("Process lock released",
		zap.Int("pid", os.Getpid()),
		zap.String("pid_file", p.pidFile))
	return nil
}

func (p *ProcessLock) create() error {
	f, err := os.OpenFile(p.pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(p.pidFile)
		return err
	}
	p.held = true
	p.logger.Info("Process lock acquired",
		zap.Int("pid", os.Getpid()),
		zap.String("pid_file", p.pidFile))
	return nil
}

func (p *ProcessLock) readPID() (int, error) {
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}
	return pid, nil
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
