package rbac

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL bounds how long a decision may be served from cache.
	DefaultCacheTTL = 30 * time.Second
	// DefaultCacheSize bounds the number of cached decisions.
	DefaultCacheSize = 10000
	// DefaultComputeTimeout bounds a shared computation once it is detached
	// from the caller that started it.
	DefaultComputeTimeout = 5 * time.Second
)

type cacheKey struct {
	userID int64
	role   Role
	perm   Permission
}

func (k cacheKey) flightKey(epoch uint64) string {
	return strconv.FormatUint(epoch, 10) + "|" + strconv.FormatInt(k.userID, 10) + "|" + string(k.role) + "|" + k.perm.ID()
}

// DecisionCache memoizes decisions keyed by (user, role, resource, action).
// Errors are never cached and a decision never outlives the override that produced it.
type DecisionCache struct {
	mu             sync.Mutex
	entries        *expirable.LRU[cacheKey, Decision]
	flight         singleflight.Group
	epoch          atomic.Uint64
	metrics        *Metrics
	now            func() time.Time
	computeTimeout time.Duration
}

// NewDecisionCache creates a cache holding at most size entries for ttl each.
// Non-positive values fall back to the defaults.
func NewDecisionCache(size int, ttl time.Duration, metrics *Metrics) *DecisionCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DecisionCache{
		entries: expirable.NewLRU[cacheKey, Decision](size, nil, ttl),
		metrics:        metrics,
		now:            time.Now,
		computeTimeout: DefaultComputeTimeout,
	}
}

// GetOrCompute returns the cached decision or runs compute once per key, sharing
// the result with concurrent callers. The shared compute keeps the values of the
// first caller's ctx but not its cancellation; each caller still stops waiting
// when its own ctx is done.
func (c *DecisionCache) GetOrCompute(ctx context.Context, userID int64, role Role, resource Resource, action Action, compute func(context.Context) (Decision, error)) (Decision, error) {
	key := cacheKey{userID: userID, role: role, perm: Perm(resource, action)}
	if d, ok := c.lookup(key); ok {
		c.metrics.cacheHit()
		return d, nil
	}
	c.metrics.cacheMiss()

	epoch := c.epoch.Load()
	resultChan := c.flight.DoChan(key.flightKey(epoch), func() (interface{}, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		d, err := compute(computeCtx)
		if err != nil {
			return d, err
		}
		c.store(epoch, key, d)
		return d, nil
	})
	select {
	case <-ctx.Done():
		return Decision{Allowed: false, Reason: ReasonUnavailable, Permission: key.perm, Role: role}, ctx.Err()
	case res := <-resultChan:
		d, _ := res.Val.(Decision)
		return d, res.Err
	}
}

func (c *DecisionCache) lookup(key cacheKey) (Decision, bool) {
	d, ok := c.entries.Get(key)
	if !ok {
		return Decision{}, false
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(c.now()) {
		c.entries.Remove(key)
		return Decision{}, false
	}
	return d, true
}

func (c *DecisionCache) store(epoch uint64, key cacheKey, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.Load() != epoch {
		return
	}
	c.entries.Add(key, d)
}

// InvalidateUser drops every cached decision of userID.
func (c *DecisionCache) InvalidateUser(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch.Add(1)
	for _, key := range c.entries.Keys() {
		if key.userID == userID {
			c.entries.Remove(key)
		}
	}
}

// InvalidateAll empties the cache.
func (c *DecisionCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch.Add(1)
	c.entries.Purge()
}

// Len reports the number of cached decisions, expired ones not yet evicted included.
func (c *DecisionCache) Len() int {
	return c.entries.Len()
}
