package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/swarm-dev/swarm/internal/util"
)

// AppendMessage appends a message to the writer's per-session log. Messages
// are totally ordered per writer; readers merge across writers by timestamp.
func (s *Store) AppendMessage(m *Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := util.AppendLine(s.messagesPath(m.From), line); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadMessages returns messages addressed to sessionID (or broadcast) newer
// than since, merged across all writer logs and sorted ascending by
// timestamp. A zero since returns everything.
func (s *Store) ReadMessages(sessionID string, since time.Time) ([]*Message, error) {
	entries, err := os.ReadDir(s.messagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read messages dir: %w", err)
	}

	var out []*Message
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		msgs, err := s.readMessageLog(e.Name())
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.To != "" && m.To != sessionID {
				continue
			}
			if !since.IsZero() && !m.Timestamp.After(since) {
				continue
			}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) readMessageLog(name string) ([]*Message, error) {
	f, err := os.Open(filepath.Join(s.messagesDir(), name))
	if err != nil {
		return nil, fmt.Errorf("open message log %s: %w", name, err)
	}
	defer f.Close()

	var msgs []*Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			// A torn trailing line from a crashed writer is skipped, not
			// fatal; earlier lines are still well-formed.
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, scanner.Err()
}

// Broadcast appends a broadcast message from the engine.
func (s *Store) Broadcast(from string, typ MessageType, content string, metadata map[string]any) (*Message, error) {
	return s.AppendMessage(&Message{
		From:     from,
		Type:     typ,
		Content:  content,
		Metadata: metadata,
	})
}
