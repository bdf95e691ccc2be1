package process

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/Bigsy/mcpbridge/internal/log"
)

const pidsFile = "pids.json"

// PIDEntry records one spawned server process.
type PIDEntry struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// PIDTracker persists the PIDs of spawned servers so a later run can
// terminate children orphaned by a crash.
type PIDTracker struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	pids map[string]PIDEntry
}

// NewPIDTracker uses ~/.config/mcpbridge/pids.json.
func NewPIDTracker(logger *slog.Logger) (*PIDTracker, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewPIDTrackerAt(filepath.Join(home, ".config", "mcpbridge", pidsFile), logger), nil
}

func NewPIDTrackerAt(path string, logger *slog.Logger) *PIDTracker {
	pt := &PIDTracker{
		path:   path,
		logger: log.WithComponent(log.OrDiscard(logger), "pids"),
		pids:   make(map[string]PIDEntry),
	}
	pt.load()
	return pt
}

func (pt *PIDTracker) load() {
	data, err := os.ReadFile(pt.path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &pt.pids); err != nil {
		pt.logger.Warn("failed to parse PID file, starting fresh", "path", pt.path, "error", err)
		pt.pids = make(map[string]PIDEntry)
	}
}

func (pt *PIDTracker) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(pt.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pt.pids, "", "  ")
	if err != nil {
		return err
	}
	tmp := pt.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, pt.path)
}

// Add tracks pid for serverID.
func (pt *PIDTracker) Add(serverID string, pid int, command string, args []string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pids[serverID] = PIDEntry{PID: pid, Command: command, Args: args, StartedAt: time.Now()}
	return pt.saveLocked()
}

func (pt *PIDTracker) Remove(serverID string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.pids[serverID]; !ok {
		return nil
	}
	delete(pt.pids, serverID)
	return pt.saveLocked()
}

// Entries returns a copy of the tracked entries.
func (pt *PIDTracker) Entries() map[string]PIDEntry {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make(map[string]PIDEntry, len(pt.pids))
	for k, v := range pt.pids {
		out[k] = v
	}
	return out
}

// CleanupOrphans sends SIGTERM to every tracked process that is still
// running the recorded command, clears the file, and returns how many
// processes were signalled.
func (pt *PIDTracker) CleanupOrphans() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	killed := 0
	for serverID, entry := range pt.pids {
		if entry.PID != os.Getpid() && isProcessRunning(entry.PID) && commandMatches(entry.PID, entry.Command) {
			pt.logger.Info("terminating orphan server process", "server", serverID, "pid", entry.PID)
			if err := terminate(entry.PID); err != nil {
				pt.logger.Warn("failed to terminate orphan", "pid", entry.PID, "error", err)
			} else {
				killed++
			}
		}
		delete(pt.pids, serverID)
	}
	if err := pt.saveLocked(); err != nil {
		pt.logger.Warn("failed to save PID file after cleanup", "error", err)
	}
	return killed
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}

// commandMatches guards against PID reuse. Only Linux exposes the command
// line cheaply; elsewhere a running PID is trusted.
func commandMatches(pid int, command string) bool {
	if runtime.GOOS != "linux" || command == "" {
		return true
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	return bytes.Contains(cmdline, []byte(filepath.Base(command)))
}

func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
