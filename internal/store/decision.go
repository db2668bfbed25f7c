package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/swarm-dev/swarm/internal/util"
)

// AppendDecision records an architectural decision on the append-only log.
func (s *Store) AppendDecision(d *Decision) (*Decision, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	if err := util.AppendLine(s.decisionsPath(), line); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDecisions returns decisions in record order, optionally filtered by
// category. Record order is time order because the log is append-only.
func (s *Store) ListDecisions(category DecisionCategory) ([]*Decision, error) {
	f, err := os.Open(s.decisionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open decisions: %w", err)
	}
	defer f.Close()

	var out []*Decision
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var d Decision
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			continue
		}
		if category != "" && d.Category != category {
			continue
		}
		out = append(out, &d)
	}
	return out, scanner.Err()
}
