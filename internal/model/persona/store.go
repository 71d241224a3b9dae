package persona

import "sync"

// Store exposes persona retrieval for the session subsystem and HTTP handlers.
type Store interface {
	List() []Profile
	FindByID(id string) (Profile, bool)
}

// MemoryStore implements Store with an in-memory slice. Replace swaps the
// whole set atomically so file reloads never expose a partial list.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: cloneProfiles(items)}
}

// List returns the current profile list.
func (s *MemoryStore) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneProfiles(s.items)
}

// FindByID looks up a profile by identifier.
func (s *MemoryStore) FindByID(id string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.ID == id {
			return cloneProfile(item), true
		}
	}
	return Profile{}, false
}

// Replace installs a new profile set and returns the previous one.
func (s *MemoryStore) Replace(items []Profile) []Profile {
	next := cloneProfiles(items)
	s.mu.Lock()
	prev := s.items
	s.items = next
	s.mu.Unlock()
	return prev
}

func cloneProfiles(items []Profile) []Profile {
	out := make([]Profile, len(items))
	for i, item := range items {
		out[i] = cloneProfile(item)
	}
	return out
}

func cloneProfile(p Profile) Profile {
	if p.NicknameMap != nil {
		nicknames := make(map[string]string, len(p.NicknameMap))
		for k, v := range p.NicknameMap {
			nicknames[k] = v
		}
		p.NicknameMap = nicknames
	}
	return p
}
