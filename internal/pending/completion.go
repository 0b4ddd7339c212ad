package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"tether/pkg/logging"
)

// completionPollInterval is the fallback re-check cadence while waiting for
// a completion marker. fsnotify delivers events promptly on local
// filesystems; the ticker covers network mounts and missed events.
const completionPollInterval = 2 * time.Second

// Completion is the marker a callback receiver writes when a detached
// (remote) authorization attempt finishes, so the process that initiated
// the flow can observe the outcome.
type Completion struct {
	SessionID   string    `json:"session_id"`
	State       string    `json:"state,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	Err         string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Succeeded reports whether the attempt completed without a provider or
// exchange error.
func (c *Completion) Succeeded() bool {
	return c != nil && c.Err == ""
}

// MarkCompleted writes the completion marker for a session, overwriting any
// previous marker.
func (s *Store) MarkCompleted(c *Completion) error {
	if c == nil || c.SessionID == "" {
		return fmt.Errorf("completion marker requires a session id")
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal completion marker: %w", err)
	}
	if err := os.WriteFile(s.path(completionDir, c.SessionID), data, 0600); err != nil {
		return fmt.Errorf("failed to write completion marker: %w", err)
	}

	logging.Debug("Pending", "Marked session %s completed (error=%q)", c.SessionID, c.Err)
	return nil
}

// ReadCompletion returns the completion marker for a session, or nil if the
// attempt has not completed. Corrupt markers are discarded.
func (s *Store) ReadCompletion(sessionID string) *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCompletionLocked(sessionID)
}

func (s *Store) readCompletionLocked(sessionID string) *Completion {
	if sessionID == "" {
		return nil
	}

	data, err := os.ReadFile(s.path(completionDir, sessionID))
	if err != nil {
		return nil
	}

	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		logging.Warn("Pending", "Discarding corrupt completion marker: %v", err)
		return nil
	}
	if c.SessionID == "" {
		return nil
	}
	return &c
}

// ClearCompletion removes the marker for a session; absent markers are a
// no-op.
func (s *Store) ClearCompletion(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeFile(completionDir, sessionID)
}

// WatchCompletion blocks until a completion marker for the session appears
// or the context is cancelled. The marker directory is watched with
// fsnotify, with a coarse polling fallback.
func (s *Store) WatchCompletion(ctx context.Context, sessionID string) (*Completion, error) {
	if c := s.ReadCompletion(sessionID); c != nil {
		return c, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create completion watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path(completionDir, sessionID))); err != nil {
		return nil, fmt.Errorf("failed to watch completion directory: %w", err)
	}

	// Re-check after arming the watcher; the marker may have landed in the
	// window between the first read and watcher.Add.
	if c := s.ReadCompletion(sessionID); c != nil {
		return c, nil
	}

	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-watcher.Events:
			if c := s.ReadCompletion(sessionID); c != nil {
				return c, nil
			}
		case err := <-watcher.Errors:
			logging.Warn("Pending", "Completion watcher error: %v", err)
		case <-ticker.C:
			if c := s.ReadCompletion(sessionID); c != nil {
				return c, nil
			}
		}
	}
}
