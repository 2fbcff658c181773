package rbac

import (
	"context"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmang004/proxapeople-sub000/internal/platform/db"
)

// newPostgresRepository connects to RBAC_TEST_PG_DSN and syncs the default
// policy. Tests using it are skipped when the variable is unset.
func newPostgresRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	dsn := os.Getenv("RBAC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RBAC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewPostgresRepository(pool)
	require.NoError(t, repo.EnsureSchema(ctx))
	require.NoError(t, repo.SyncPolicy(ctx, DefaultPolicy()))
	return repo
}

func randomUserID() int64 {
	return 1_000_000 + rand.Int64N(1_000_000_000)
}

func TestPostgresRepositoryPolicyRoundTrip(t *testing.T) {
	repo := newPostgresRepository(t)
	def, err := repo.LoadPolicy(context.Background())
	require.NoError(t, err)

	policy, err := NewPolicy(def)
	require.NoError(t, err)
	defaults, err := NewPolicy(DefaultPolicy())
	require.NoError(t, err)
	for _, role := range defaults.Hierarchy.Roles() {
		assert.Equal(t, defaults.Resolver.Resolve(role).Sorted(), policy.Resolver.Resolve(role).Sorted(), role)
	}
}

func TestPostgresRepositoryOverrideLifecycle(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	user := randomUserID()
	now := time.Now().UTC().Truncate(time.Microsecond)
	perm := Perm(ResourceUsers, ActionDelete)

	o := UserOverride{ID: uuid.NewString(), UserID: user, Permission: perm, Granted: true, GrantedBy: 1, GrantedAt: now}
	_, err := repo.InsertOverride(ctx, o, now)
	require.NoError(t, err)

	_, err = repo.InsertOverride(ctx, UserOverride{ID: uuid.NewString(), UserID: user, Permission: perm, GrantedBy: 1, GrantedAt: now}, now)
	require.ErrorIs(t, err, ErrDuplicateOverride)

	list, err := repo.ListOverridesForPermission(ctx, user, perm)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, o.ID, list[0].ID)
	assert.True(t, list[0].Granted)

	deleted, found, err := repo.DeleteOverride(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, user, deleted.UserID)

	_, found, err = repo.DeleteOverride(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = repo.DeleteOverride(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgresRepositoryUnknownPermission(t *testing.T) {
	repo := newPostgresRepository(t)
	now := time.Now().UTC()
	_, err := repo.InsertOverride(context.Background(), UserOverride{
		ID: uuid.NewString(), UserID: randomUserID(), Permission: Perm("payroll", ActionView), GrantedAt: now,
	}, now)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPostgresRepositoryPurgeExpired(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	user := randomUserID()
	now := time.Now().UTC().Truncate(time.Microsecond)
	soon := now.Add(time.Minute)

	_, err := repo.InsertOverride(ctx, UserOverride{
		ID: uuid.NewString(), UserID: user, Permission: Perm(ResourceGoals, ActionDelete), Granted: true, GrantedAt: now, ExpiresAt: &soon,
	}, now)
	require.NoError(t, err)
	_, err = repo.InsertOverride(ctx, UserOverride{
		ID: uuid.NewString(), UserID: user, Permission: Perm(ResourceTeams, ActionDelete), Granted: true, GrantedAt: now,
	}, now)
	require.NoError(t, err)

	purged, err := repo.DeleteExpiredOverrides(ctx, soon)
	require.NoError(t, err)
	var mine []UserOverride
	for _, o := range purged {
		if o.UserID == user {
			mine = append(mine, o)
		}
	}
	require.Len(t, mine, 1)
	assert.Equal(t, Perm(ResourceGoals, ActionDelete), mine[0].Permission)

	remaining, err := repo.ListOverridesByUser(ctx, user)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestPostgresRepositoryConcurrentDuplicates(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	user := randomUserID()
	now := time.Now().UTC()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.InsertOverride(ctx, UserOverride{
				ID: uuid.NewString(), UserID: user, Permission: Perm(ResourceSurveys, ActionDelete), Granted: true, GrantedAt: now,
			}, now)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateOverride)
	}
	assert.Equal(t, 1, succeeded)
}
