package store

import (
	"sort"
	"sync"
	"time"

	"imagemaster/pkg/domain"
)

// MemoryStore keeps the ledger in-process. Used by tests; the conditional
// debit in RecordGeneration holds the same atomicity guarantee as the SQL
// implementation because every write runs under the store mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
	images   map[string]domain.GeneratedImage
	usage    []domain.UsageLog
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]domain.Profile),
		images:   make(map[string]domain.GeneratedImage),
	}
}

// GetProfile returns a profile by user ID.
func (m *MemoryStore) GetProfile(id string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok, nil
}

// SaveProfile stores or replaces a profile.
func (m *MemoryStore) SaveProfile(p domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

// RecordGeneration applies the debit, image insert, and usage append as one
// locked unit.
func (m *MemoryStore) RecordGeneration(image domain.GeneratedImage, entry domain.UsageLog) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[image.UserID]
	if !ok || profile.CreditsRemaining <= 0 {
		return 0, false, nil
	}
	profile.CreditsRemaining--
	profile.TotalCreditsUsed++
	profile.UpdatedAt = time.Now().UTC()
	m.profiles[image.UserID] = profile
	m.images[image.ID] = image
	m.usage = append(m.usage, entry)
	return profile.CreditsRemaining, true, nil
}

// GetImage retrieves one generated image.
func (m *MemoryStore) GetImage(id string) (domain.GeneratedImage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[id]
	return img, ok, nil
}

// ListImagesByOwner returns a user's images, newest first.
func (m *MemoryStore) ListImagesByOwner(userID string) ([]domain.GeneratedImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	images := make([]domain.GeneratedImage, 0)
	for _, img := range m.images {
		if img.UserID == userID {
			images = append(images, img)
		}
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}

// SetImageFlags updates the display flags. Nil pointers leave a flag untouched.
func (m *MemoryStore) SetImageFlags(id string, public, favorite *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil
	}
	if public != nil {
		img.IsPublic = *public
	}
	if favorite != nil {
		img.IsFavorite = *favorite
	}
	m.images[id] = img
	return nil
}

// DeleteImage removes one generated image.
func (m *MemoryStore) DeleteImage(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, id)
	return nil
}

// ListUsageByOwner returns a user's usage entries, newest first.
func (m *MemoryStore) ListUsageByOwner(userID string, limit int) ([]domain.UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]domain.UsageLog, 0)
	for i := len(m.usage) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.usage[i].UserID == userID {
			entries = append(entries, m.usage[i])
		}
	}
	return entries, nil
}

// UsageCount reports how many usage entries exist for a user. Test helper.
func (m *MemoryStore) UsageCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, entry := range m.usage {
		if entry.UserID == userID {
			count++
		}
	}
	return count
}
