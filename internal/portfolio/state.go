// Package portfolio keeps the latest position snapshot per symbol, fed from
// the positions stream. State is versioned and persisted atomically so a
// restart resumes from the last applied snapshot instead of an empty book.
package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/psfalgo/quant-engine/internal/contracts"
)

// State is the persisted document.
type State struct {
	Version   int64                                 `json:"version"`
	UpdatedAt string                                `json:"updated_at"`
	Positions map[string]contracts.PositionSnapshot `json:"positions"`
}

// Store is a concurrency-safe snapshot book with optional file persistence.
// An empty file path disables persistence, which is what tests use.
type Store struct {
	filePath string

	mu    sync.RWMutex
	state State
}

func NewStore(filePath string) *Store {
	return &Store{
		filePath: filePath,
		state:    State{Positions: map[string]contracts.PositionSnapshot{}},
	}
}

// Load restores persisted state. A missing file is a fresh start, not an
// error.
func (s *Store) Load() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read position state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("unmarshal position state: %w", err)
	}
	if s.state.Positions == nil {
		s.state.Positions = map[string]contracts.PositionSnapshot{}
	}
	return nil
}

// Apply replaces the snapshot for its symbol. Snapshots are authoritative
// from the producer; there is nothing to merge.
func (s *Store) Apply(snap contracts.PositionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Positions[snap.Symbol] = snap
	s.state.Version++
}

// Get returns the latest snapshot for the symbol.
func (s *Store) Get(symbol string) (contracts.PositionSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.state.Positions[symbol]
	return snap, ok
}

// Symbols lists symbols with a known position.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.state.Positions))
	for sym := range s.state.Positions {
		out = append(out, sym)
	}
	return out
}

// Version returns the monotonic state version.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Version
}

// Save writes the state with a temp file and rename so readers never see a
// torn document.
func (s *Store) Save() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position state: %w", err)
	}
	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write position state: %w", err)
	}
	if err := os.Rename(tempPath, s.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename position state: %w", err)
	}
	return nil
}
