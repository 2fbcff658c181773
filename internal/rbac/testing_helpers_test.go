package rbac

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeClock is a settable clock shared by store and cache in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingInvalidator struct {
	mu    sync.Mutex
	users []int64
	all   int
}

func (r *recordingInvalidator) InvalidateUser(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func (r *recordingInvalidator) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all++
}

func (r *recordingInvalidator) snapshot() ([]int64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.users...), r.all
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []OverrideEvent
	err    error
}

func (a *recordingAuditor) RecordOverride(ctx context.Context, e OverrideEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return a.err
}

func (a *recordingAuditor) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Kind
	}
	return out
}

var errStoreDown = errors.New("connection refused")

// failingRepository wraps a MemoryRepository and fails reads on demand.
type failingRepository struct {
	*MemoryRepository
	mu       sync.Mutex
	failRead bool
	panicky  bool
	reads    int
}

func newFailingRepository() *failingRepository {
	return &failingRepository{MemoryRepository: NewMemoryRepository()}
}

func (f *failingRepository) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRead = fail
}

func (f *failingRepository) setPanic(p bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicky = p
}

func (f *failingRepository) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *failingRepository) ListOverridesForPermission(ctx context.Context, userID int64, perm Permission) ([]UserOverride, error) {
	f.mu.Lock()
	f.reads++
	fail, panicky := f.failRead, f.panicky
	f.mu.Unlock()
	if panicky {
		panic("corrupted override row")
	}
	if fail {
		return nil, errStoreDown
	}
	return f.MemoryRepository.ListOverridesForPermission(ctx, userID, perm)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
