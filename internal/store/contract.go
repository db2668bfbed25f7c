package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/swarm-dev/swarm/internal/util"
)

// PutContract registers or overwrites a contract. Contracts are unique by
// id; last writer wins.
func (s *Store) PutContract(c *Contract) (*Contract, error) {
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal contract %s: %w", c.ID, err)
	}
	if err := util.AtomicWriteFile(s.contractPath(c.ID), data, 0o644); err != nil {
		return nil, err
	}
	return c, nil
}

// ListContracts returns contracts matching the optional type and id
// substring filters, ordered by registration time.
func (s *Store) ListContracts(typ ContractType, idSubstr string) ([]*Contract, error) {
	entries, err := os.ReadDir(s.contractsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read contracts dir: %w", err)
	}

	var out []*Contract
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(s.contractPath(strings.TrimSuffix(e.Name(), ".json")))
		if err != nil {
			return nil, fmt.Errorf("read contract %s: %w", e.Name(), err)
		}
		var c Contract
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse contract %s: %w", e.Name(), err)
		}
		if typ != "" && c.Type != typ {
			continue
		}
		if idSubstr != "" && !strings.Contains(c.ID, idSubstr) {
			continue
		}
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}
