package rbac

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps overrides in process memory.
type MemoryRepository struct {
	mu        sync.RWMutex
	overrides map[string]UserOverride
	byUser    map[int64]map[string]struct{}
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		overrides: make(map[string]UserOverride),
		byUser:    make(map[int64]map[string]struct{}),
	}
}

// InsertOverride implements OverrideRepository.
func (r *MemoryRepository) InsertOverride(ctx context.Context, o UserOverride, now time.Time) (UserOverride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.byUser[o.UserID] {
		existing := r.overrides[id]
		if existing.Permission == o.Permission && existing.ActiveAt(now) {
			return UserOverride{}, ErrDuplicateOverride
		}
	}
	r.put(o)
	return cloneOverride(o), nil
}

// DeleteOverride implements OverrideRepository.
func (r *MemoryRepository) DeleteOverride(ctx context.Context, id string) (UserOverride, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.overrides[id]
	if !ok {
		return UserOverride{}, false, nil
	}
	r.remove(o)
	return o, true, nil
}

// ListOverridesByUser implements OverrideRepository.
func (r *MemoryRepository) ListOverridesByUser(ctx context.Context, userID int64) ([]UserOverride, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(userID, func(UserOverride) bool { return true }), nil
}

// ListOverridesForPermission implements OverrideRepository.
func (r *MemoryRepository) ListOverridesForPermission(ctx context.Context, userID int64, perm Permission) ([]UserOverride, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(userID, func(o UserOverride) bool { return o.Permission == perm }), nil
}

// DeleteExpiredOverrides implements OverrideRepository.
func (r *MemoryRepository) DeleteExpiredOverrides(ctx context.Context, now time.Time) ([]UserOverride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged []UserOverride
	for _, o := range r.overrides {
		if !o.ActiveAt(now) {
			purged = append(purged, o)
		}
	}
	for _, o := range purged {
		r.remove(o)
	}
	return purged, nil
}

// Put stores o as-is, bypassing the duplicate check. It exists for seeding and tests.
func (r *MemoryRepository) Put(o UserOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(o)
}

func (r *MemoryRepository) put(o UserOverride) {
	r.overrides[o.ID] = cloneOverride(o)
	ids, ok := r.byUser[o.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[o.UserID] = ids
	}
	ids[o.ID] = struct{}{}
}

func (r *MemoryRepository) remove(o UserOverride) {
	delete(r.overrides, o.ID)
	if ids, ok := r.byUser[o.UserID]; ok {
		delete(ids, o.ID)
		if len(ids) == 0 {
			delete(r.byUser, o.UserID)
		}
	}
}

func (r *MemoryRepository) collect(userID int64, keep func(UserOverride) bool) []UserOverride {
	var out []UserOverride
	for id := range r.byUser[userID] {
		o := r.overrides[id]
		if keep(o) {
			out = append(out, cloneOverride(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneOverride(o UserOverride) UserOverride {
	if o.ExpiresAt != nil {
		exp := *o.ExpiresAt
		o.ExpiresAt = &exp
	}
	return o
}
