package wizards

import (
	"context"
	"strings"
	"sync"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/repositories"
)

type memoryEntry struct {
	wizard    *domain.Wizard
	expiresAt time.Time
}

// MemoryStore keeps wizards in process. Updates are serialised by a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]memoryEntry
}

// NewMemoryStore constructs an in-memory wizard store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), entries: make(map[string]memoryEntry)}
}

// Create stores a new wizard. An existing live ID is a conflict.
func (s *MemoryStore) Create(_ context.Context, wizard *domain.Wizard) error {
	if wizard == nil || strings.TrimSpace(wizard.ID) == "" {
		return errConflict("create", "wizard id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Clock()
	if _, ok := s.live(wizard.ID, now); ok {
		return errConflict("create", "wizard "+wizard.ID+" already exists")
	}
	stored := wizard.Clone()
	s.entries[wizard.ID] = memoryEntry{wizard: stored, expiresAt: now.Add(s.opts.ttlFor(stored))}
	return nil
}

// Get returns a copy of the wizard.
func (s *MemoryStore) Get(_ context.Context, wizardID string) (*domain.Wizard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(wizardID, s.opts.Clock())
	if !ok {
		return nil, errNotFound("get", wizardID)
	}
	return entry.wizard.Clone(), nil
}

// Update applies fn to a copy under the store lock and keeps the result when fn succeeds.
func (s *MemoryStore) Update(_ context.Context, wizardID string, fn func(*domain.Wizard) error) (*domain.Wizard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Clock()
	entry, ok := s.live(wizardID, now)
	if !ok {
		return nil, errNotFound("update", wizardID)
	}
	working := entry.wizard.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = now.UTC()
	s.entries[wizardID] = memoryEntry{wizard: working, expiresAt: now.Add(s.opts.ttlFor(working))}
	return working.Clone(), nil
}

func (s *MemoryStore) live(id string, now time.Time) (memoryEntry, bool) {
	entry, ok := s.entries[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !now.Before(entry.expiresAt) {
		delete(s.entries, id)
		return memoryEntry{}, false
	}
	return entry, true
}

var _ repositories.WizardStore = (*MemoryStore)(nil)
