package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/swarm-dev/swarm/internal/util"
)

// SessionID formats a monotone session id.
func SessionID(n int) string {
	return fmt.Sprintf("session-%03d", n)
}

// NextSessionNum returns one past the highest existing session number.
func (s *Store) NextSessionNum() (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("read sessions dir: %w", err)
	}
	max := 0
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "session-%d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// WriteSessionStatus publishes a session's status record.
func (s *Store) WriteSessionStatus(st *SessionStatus) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session status: %w", err)
	}
	return util.AtomicWriteFile(s.sessionStatusPath(st.SessionID), data, 0o644)
}

// ReadSessionStatus returns a session's status, or nil when unknown.
func (s *Store) ReadSessionStatus(sessionID string) (*SessionStatus, error) {
	data, err := os.ReadFile(s.sessionStatusPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session status: %w", err)
	}
	var st SessionStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse session status: %w", err)
	}
	return &st, nil
}

// ListSessions returns all known session statuses in id order.
func (s *Store) ListSessions() ([]*SessionStatus, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []*SessionStatus
	for _, e := range entries {
		st, err := s.ReadSessionStatus(e.Name())
		if err != nil {
			return nil, err
		}
		if st != nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}
