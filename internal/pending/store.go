// Package pending persists in-flight authorization attempts so that a flow
// survives the browser hand-off and can be completed by a different process
// of the same user (the serve daemon, or a CLI run started later).
package pending

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tether/pkg/logging"
)

const (
	stateDir      = "state"
	targetDir     = "target"
	completionDir = "done"
)

// Record is one in-flight authorization attempt. It is keyed both by the
// state nonce and by the target it connects; the target slot always points
// at the most recently started attempt (last writer wins).
type Record struct {
	// State is the broker-confirmed state nonce; primary key.
	State string `json:"state"`

	// SessionID is the broker session for this attempt, required for the
	// code exchange.
	SessionID string `json:"session_id"`

	// TargetID identifies the target being connected.
	TargetID string `json:"target_id,omitempty"`

	// ReturnURL is where to send the user after a successful exchange.
	ReturnURL string `json:"return_url,omitempty"`

	// CreatedAt is diagnostic only; no client-side expiry is enforced.
	CreatedAt time.Time `json:"created_at"`
}

// valid reports whether a decoded record has the fields every attempt must
// carry. Records failing this check are treated as corrupt.
func (r *Record) valid() bool {
	return r != nil && r.State != "" && r.SessionID != ""
}

// Store is a durable key-value store for pending authorizations, shared by
// all tether processes of the same user. Files are owner-only; concurrent
// processes get last-writer-wins semantics, matching the cross-process
// supersede behavior documented on Save.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a store rooted at dir, creating the namespace
// directories if needed.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{stateDir, targetDir, completionDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create pending store directory: %w", err)
		}
	}

	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save durably persists a record under both its state key and its target
// key. Starting a new attempt for the same target overwrites the target
// slot; the superseded attempt remains reachable only through its own
// state key until cleared.
func (s *Store) Save(rec *Record) error {
	if !rec.valid() {
		return errors.New("pending record missing state or session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeRecord(stateDir, rec.State, rec); err != nil {
		return err
	}
	if rec.TargetID != "" {
		if err := s.writeRecord(targetDir, rec.TargetID, rec); err != nil {
			return err
		}
	}

	logging.Debug("Pending", "Saved pending authorization state=%s target=%s", rec.State, rec.TargetID)
	return nil
}

// ReadByState returns the record stored under the given state nonce, or nil
// if none exists. Corrupt or foreign data is logged and treated as absent,
// never returned as an error.
func (s *Store) ReadByState(state string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRecord(stateDir, state)
}

// ReadLatestForTarget returns the most recently saved attempt for a target,
// or nil if none is pending.
func (s *Store) ReadLatestForTarget(targetID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRecord(targetDir, targetID)
}

// Clear removes the state-keyed entry and, when the target slot still
// points at the same attempt, the target-keyed entry. Clearing an absent
// key is a no-op.
func (s *Store) Clear(state, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.removeFile(stateDir, state); err != nil {
		return err
	}

	if targetID == "" {
		return nil
	}

	// A later attempt may own the target slot by now; leave it alone.
	if latest := s.readRecord(targetDir, targetID); latest != nil && latest.State != state {
		return nil
	}

	return s.removeFile(targetDir, targetID)
}

// fileKey hashes a namespace key into a filesystem-safe name.
func fileKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func (s *Store) path(sub, key string) string {
	return filepath.Join(s.dir, sub, fileKey(key)+".json")
}

func (s *Store) writeRecord(sub, key string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pending record: %w", err)
	}

	if err := os.WriteFile(s.path(sub, key), data, 0600); err != nil {
		return fmt.Errorf("failed to write pending record: %w", err)
	}
	return nil
}

func (s *Store) readRecord(sub, key string) *Record {
	if key == "" {
		return nil
	}

	// #nosec G304 -- path is derived from a hashed key, not user input
	data, err := os.ReadFile(s.path(sub, key))
	if err != nil {
		return nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.Warn("Pending", "Discarding corrupt pending record in %s: %v", sub, err)
		return nil
	}
	if !rec.valid() {
		logging.Warn("Pending", "Discarding structurally invalid pending record in %s", sub)
		return nil
	}

	return &rec
}

func (s *Store) removeFile(sub, key string) error {
	if key == "" {
		return nil
	}
	err := os.Remove(s.path(sub, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pending record: %w", err)
	}
	return nil
}
