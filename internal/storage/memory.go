package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xaenox/threadkeeper/internal/models"
)

type MemoryStorage struct {
	mu           sync.RWMutex
	threads      map[string]*models.Thread
	byUser       map[string][]string
	fingerprints map[string]string
	adjustments  map[string][]models.ProfileAdjustment
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		threads:      make(map[string]*models.Thread),
		byUser:       make(map[string][]string),
		fingerprints: make(map[string]string),
		adjustments:  make(map[string][]models.ProfileAdjustment),
	}
}

func fingerprintKey(userID, fingerprint string) string {
	return userID + "\x00" + fingerprint
}

// Thread methods
func (s *MemoryStorage) GetActiveThread(ctx context.Context, userID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byUser[userID] {
		if t := s.threads[id]; t.Status == models.StatusActive {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) GetDormantThreads(ctx context.Context, userID string, limit int) ([]*models.Thread, error) {
	return s.list(userID, limit, func(t *models.Thread) bool {
		return t.Status == models.StatusDormant
	}), nil
}

func (s *MemoryStorage) ListThreads(ctx context.Context, userID string, limit int) ([]*models.Thread, error) {
	return s.list(userID, limit, func(t *models.Thread) bool {
		return t.Status != models.StatusArchived
	}), nil
}

func (s *MemoryStorage) list(userID string, limit int, keep func(*models.Thread) bool) []*models.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Thread
	for _, id := range s.byUser[userID] {
		if t := s.threads[id]; keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStorage) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return t.Clone(), nil
}

func (s *MemoryStorage) CreateThread(ctx context.Context, thread *models.Thread) (*models.Thread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thread.Fingerprint != "" {
		if id, exists := s.fingerprints[fingerprintKey(thread.UserID, thread.Fingerprint)]; exists {
			return s.threads[id].Clone(), false, nil
		}
	}
	if _, exists := s.threads[thread.ID]; exists {
		return nil, false, fmt.Errorf("thread %s already exists", thread.ID)
	}

	if thread.Status == models.StatusActive {
		s.demoteActive(thread.UserID, thread.ID)
	}
	stored := thread.Clone()
	s.threads[stored.ID] = stored
	s.byUser[stored.UserID] = append(s.byUser[stored.UserID], stored.ID)
	if stored.Fingerprint != "" {
		s.fingerprints[fingerprintKey(stored.UserID, stored.Fingerprint)] = stored.ID
	}
	return stored.Clone(), true, nil
}

func (s *MemoryStorage) UpdateThread(ctx context.Context, threadID string, delta models.ThreadDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if t.Status == models.StatusArchived {
		return fmt.Errorf("thread %s is archived", threadID)
	}

	// Replace the stored pointer so clones handed out earlier stay untouched.
	updated := t.Clone()
	if delta.Status != nil {
		if *delta.Status == models.StatusActive {
			s.demoteActive(t.UserID, t.ID)
		}
		updated.Status = *delta.Status
	}
	if delta.LastActivityAt != nil && delta.LastActivityAt.After(updated.LastActivityAt) {
		updated.LastActivityAt = *delta.LastActivityAt
	}
	if delta.MessageCount != nil {
		updated.MessageCount = *delta.MessageCount
	}
	if delta.TopicCentroid != nil {
		updated.TopicCentroid = append([]float32(nil), delta.TopicCentroid...)
	}
	if delta.RecentEntities != nil {
		updated.RecentEntities = append([]string(nil), delta.RecentEntities...)
	}
	if delta.RecentIntents != nil {
		updated.RecentIntents = append([]string(nil), delta.RecentIntents...)
	}
	s.threads[threadID] = updated
	return nil
}

// demoteActive must be called with s.mu held.
func (s *MemoryStorage) demoteActive(userID, exceptID string) {
	for _, id := range s.byUser[userID] {
		t := s.threads[id]
		if id != exceptID && t.Status == models.StatusActive {
			d := t.Clone()
			d.Status = models.StatusDormant
			s.threads[id] = d
		}
	}
}

// Profile methods
func (s *MemoryStorage) GetAdjustments(ctx context.Context, userID string) ([]models.ProfileAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.ProfileAdjustment(nil), s.adjustments[userID]...), nil
}

func (s *MemoryStorage) AppendAdjustment(ctx context.Context, adj models.ProfileAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := len(s.adjustments[adj.UserID]) + 1; adj.Version != want {
		return fmt.Errorf("%w: got version %d, want %d", ErrVersionConflict, adj.Version, want)
	}
	s.adjustments[adj.UserID] = append(s.adjustments[adj.UserID], adj)
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
