package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the live configuration behind an atomic pointer.
// Readers never block; updates validate against a copy and swap all-or-nothing.
type Store struct {
	current  atomic.Pointer[Config]
	updateMu sync.Mutex
}

// NewStore creates a store seeded with the given configuration
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(&cfg)
	return s, nil
}

// Get returns a copy of the live configuration
func (s *Store) Get() Config {
	return *s.current.Load()
}

// Update applies a partial update atomically. Validation failure rejects the
// update and leaves the prior configuration fully intact.
func (s *Store) Update(p Partial) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	next := p.applyTo(*s.current.Load())
	if err := next.Validate(); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}

// Replace swaps in a full configuration, used by the file watcher
func (s *Store) Replace(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.current.Store(&cfg)
	return nil
}
