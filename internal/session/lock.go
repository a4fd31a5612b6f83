package session

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/opencode-ai/opencode/internal/storage"
)

// lockRecord is the payload written to session/lock/{id}. pidStartTime
// disambiguates a live process from a dead one whose pid got reused by
// the OS, which a pid-only check can't tell apart.
type lockRecord struct {
	PID          int   `json:"pid"`
	PIDStartTime int64 `json:"pidStartTime"`
}

// SessionBusyLockError means another live process already holds the lock
// for this session.
type SessionBusyLockError struct {
	SessionID string
}

func (e *SessionBusyLockError) Error() string {
	return fmt.Sprintf("session busy: %s", e.SessionID)
}

func sessionLockPath(sessionID string) []string {
	return []string{"session", "lock", sessionID}
}

// acquireLock writes session/lock/{id} for the current process, clearing
// a stale lock left by a dead owner first. It is the only cross-process
// coordination a turn has: two processes racing to start the same session
// resolve here, not in the in-memory sessions map (which only protects
// against concurrent turns within this process).
func acquireLock(ctx context.Context, store *storage.Storage, sessionID string) error {
	var existing lockRecord
	err := store.Get(ctx, sessionLockPath(sessionID), &existing)
	if err == nil {
		if processAlive(existing.PID, existing.PIDStartTime) {
			return &SessionBusyLockError{SessionID: sessionID}
		}
		// Stale: owner is dead, clear it before taking over.
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("failed to read session lock: %w", err)
	}

	rec := lockRecord{PID: os.Getpid(), PIDStartTime: processStartTime(os.Getpid())}
	return store.Put(ctx, sessionLockPath(sessionID), &rec)
}

// releaseLock removes session/lock/{id}. Called unconditionally when a
// turn ends; a missing lock file is not an error.
func releaseLock(ctx context.Context, store *storage.Storage, sessionID string) error {
	return store.Delete(ctx, sessionLockPath(sessionID))
}

// ClearStaleLocks sweeps session/lock/* on process start and removes any
// lock whose recorded owner is no longer alive. A crash leaves its lock
// file behind forever otherwise, permanently wedging that session.
func ClearStaleLocks(ctx context.Context, store *storage.Storage) error {
	ids, err := store.List(ctx, []string{"session", "lock"})
	if err != nil {
		return fmt.Errorf("failed to list session locks: %w", err)
	}
	for _, id := range ids {
		var rec lockRecord
		if err := store.Get(ctx, sessionLockPath(id), &rec); err != nil {
			continue
		}
		if !processAlive(rec.PID, rec.PIDStartTime) {
			_ = store.Delete(ctx, sessionLockPath(id))
		}
	}
	return nil
}

// processAlive reports whether pid is a running process that started at
// startTime. A zero startTime skips the start-time comparison (used by
// locks written before this check existed, or on platforms where it's
// unavailable), falling back to a liveness-only check.
func processAlive(pid int, startTime int64) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually delivering a signal.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if startTime == 0 {
		return true
	}
	return processStartTime(pid) == startTime
}

// processStartTime returns an opaque, monotonically meaningful value that
// identifies pid's current incarnation; two calls return the same value
// iff they observed the same process instance. Returns 0 if unavailable
// (non-Linux, or the process already exited), in which case acquireLock
// falls back to a liveness-only check.
func processStartTime(pid int) int64 {
	return readProcStartTime(pid)
}
