package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/samber/lo"
)

// flushEvery is how many counter updates accumulate before the document is
// rewritten. Escalation points and Close flush immediately.
const flushEvery = 10

// Store owns the on-disk configuration document. The downloader is the only
// writer, and only of Alerts.RepeatedHashCount; everyone else gets read-only
// copies via Config(). Callers must Close() on the shutdown path to flush
// any batched updates.
type Store struct {
	path string

	mu      sync.Mutex
	cfg     Config
	pending int
	dirty   bool
}

func OpenStore(path string) (*Store, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Config returns a copy of the current configuration value.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// RepeatedHashCount returns the persisted duplicate counter, so a restart
// resumes counting where the previous run stopped.
func (s *Store) RepeatedHashCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Alerts.RepeatedHashCount
}

// SetRepeatedHashCount records a new counter value. The write to disk is
// batched: it happens on every flushEvery-th update, whenever the value lands
// on an escalation point, or when force is set.
func (s *Store) SetRepeatedHashCount(n int, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.Alerts.RepeatedHashCount = n
	s.dirty = true
	s.pending++

	if force || s.pending >= flushEvery || lo.Contains(s.cfg.Alerts.EscalationPoints, n) {
		return s.flushLocked()
	}
	return nil
}

// Close flushes any pending counter update. Explicit-close contract: never
// rely on finalizer timing for the last write.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(&s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	s.pending = 0
	s.dirty = false
	return nil
}
