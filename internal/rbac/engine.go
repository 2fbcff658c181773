package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Engine answers authorization questions against the current policy snapshot
// and the user override store.
type Engine struct {
	policy      atomic.Pointer[Policy]
	overrides   *OverrideStore
	cache       *DecisionCache
	invalidator Invalidator
	metrics     *Metrics
	logger      *slog.Logger
	reloadMu    sync.Mutex
	storeOpts   []OverrideStoreOption
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithDecisionCache enables decision caching.
func WithDecisionCache(cache *DecisionCache) EngineOption {
	return func(e *Engine) { e.cache = cache }
}

// WithEngineInvalidator routes invalidations through inv, typically a
// Broadcaster wrapping the decision cache. Defaults to the cache itself.
func WithEngineInvalidator(inv Invalidator) EngineOption {
	return func(e *Engine) { e.invalidator = inv }
}

// WithMetrics records decision metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger; it is also handed to the override store.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithOverrideStoreOptions forwards options to the embedded OverrideStore.
func WithOverrideStoreOptions(opts ...OverrideStoreOption) EngineOption {
	return func(e *Engine) { e.storeOpts = append(e.storeOpts, opts...) }
}

// NewEngine loads the initial policy from source and builds the override store
// over repo. A malformed policy is returned as *ConfigurationError.
func NewEngine(ctx context.Context, source PolicySource, repo OverrideRepository, opts ...EngineOption) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.invalidator == nil && e.cache != nil {
		e.invalidator = e.cache
	}
	policy, err := LoadPolicy(ctx, source)
	if err != nil {
		return nil, err
	}
	e.policy.Store(policy)

	storeOpts := append([]OverrideStoreOption{WithOverrideLogger(e.logger), WithInvalidator(e)}, e.storeOpts...)
	e.overrides = NewOverrideStore(repo, e, storeOpts...)
	return e, nil
}

// Overrides exposes the override store wired to this engine.
func (e *Engine) Overrides() *OverrideStore {
	return e.overrides
}

// Policy returns the current snapshot.
func (e *Engine) Policy() *Policy {
	return e.policy.Load()
}

// Catalog returns the current catalog.
func (e *Engine) Catalog() *Catalog {
	return e.policy.Load().Catalog
}

// Hierarchy returns the current role hierarchy.
func (e *Engine) Hierarchy() *Hierarchy {
	return e.policy.Load().Hierarchy
}

// Resolver returns the current resolver.
func (e *Engine) Resolver() *Resolver {
	return e.policy.Load().Resolver
}

// IsActionValidForResource checks the pair against the current catalog.
func (e *Engine) IsActionValidForResource(resource Resource, action Action) bool {
	return e.Catalog().IsActionValidForResource(resource, action)
}

// InvalidateUser drops cached decisions for userID.
func (e *Engine) InvalidateUser(userID int64) {
	if e.invalidator != nil {
		e.invalidator.InvalidateUser(userID)
	}
}

// InvalidateAll drops every cached decision.
func (e *Engine) InvalidateAll() {
	if e.invalidator != nil {
		e.invalidator.InvalidateAll()
	}
}

// Reload validates the policy from source and swaps it in. On failure the
// previous snapshot stays active and the error is returned.
func (e *Engine) Reload(ctx context.Context, source PolicySource) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	policy, err := LoadPolicy(ctx, source)
	if err != nil {
		e.metrics.reload(false)
		e.logger.Error("policy reload rejected, keeping previous policy", slog.Any("error", err))
		return err
	}
	e.policy.Store(policy)
	e.InvalidateAll()
	e.metrics.reload(true)
	e.logger.Info("policy reloaded",
		slog.Int("resources", len(policy.Catalog.ListResources())),
		slog.Int("roles", len(policy.Hierarchy.Roles())),
	)
	return nil
}

// Decide evaluates whether the user may perform action on resource. It never
// returns Allowed=true together with a non-nil error.
func (e *Engine) Decide(ctx context.Context, userID int64, role Role, resource Resource, action Action) (d Decision, err error) {
	start := time.Now()
	perm := Perm(resource, action)
	defer func() {
		if r := recover(); r != nil {
			d, err = e.panicked(userID, role, perm, r)
		}
		e.metrics.observeDecision(d.Reason, time.Since(start))
	}()

	policy := e.policy.Load()
	if !action.Valid() || !policy.Catalog.IsActionValidForResource(resource, action) {
		e.logger.Warn("permission check for unknown resource or action",
			slog.Int64("user_id", userID),
			slog.String("resource", string(resource)),
			slog.String("action", string(action)),
		)
		return Decision{Allowed: false, Reason: ReasonInvalidRequest, Permission: perm, Role: role}, nil
	}

	// The cache runs compute on its own goroutine, so panics are recovered here
	// as well as in the deferred handler above. The snapshot is loaded inside
	// compute, after the cache has taken its epoch, so a reload in between
	// either reaches compute or discards its result.
	compute := func(ctx context.Context) (cd Decision, cerr error) {
		defer func() {
			if r := recover(); r != nil {
				cd, cerr = e.panicked(userID, role, perm, r)
			}
		}()
		return e.evaluate(ctx, e.policy.Load(), userID, role, perm)
	}
	if e.cache == nil {
		return compute(ctx)
	}
	d, err = e.cache.GetOrCompute(ctx, userID, role, resource, action, compute)
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonUnavailable, Permission: perm, Role: role}, err
	}
	return d, nil
}

func (e *Engine) panicked(userID int64, role Role, perm Permission, r any) (Decision, error) {
	e.logger.Error("panic while deciding permission",
		slog.Int64("user_id", userID),
		slog.String("permission", perm.ID()),
		slog.Any("panic", r),
	)
	return Decision{Allowed: false, Reason: ReasonUnavailable, Permission: perm, Role: role}, fmt.Errorf("%w: panic: %v", ErrUnavailable, r)
}

func (e *Engine) evaluate(ctx context.Context, policy *Policy, userID int64, role Role, perm Permission) (Decision, error) {
	d := Decision{Permission: perm, Role: role}
	override, err := e.overrides.ActiveOverride(ctx, userID, perm.Resource, perm.Action)
	if err != nil {
		e.logger.Error("override lookup failed, denying",
			slog.Int64("user_id", userID),
			slog.String("permission", perm.ID()),
			slog.Any("error", err),
		)
		d.Reason = ReasonUnavailable
		return d, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if override != nil {
		d.OverrideID = override.ID
		d.ExpiresAt = override.ExpiresAt
		if override.Granted {
			d.Allowed = true
			d.Reason = ReasonOverrideGranted
		} else {
			d.Reason = ReasonOverrideDenied
		}
		return d, nil
	}
	if policy.Resolver.HasEffectivePermission(role, perm.Resource, perm.Action) {
		d.Allowed = true
		d.Reason = ReasonRoleGranted
		return d, nil
	}
	d.Reason = ReasonNoGrant
	return d, nil
}

// DecideMany evaluates each permission independently and returns decisions in
// input order. Failed checks are denied and their errors joined.
func (e *Engine) DecideMany(ctx context.Context, userID int64, role Role, perms []Permission) ([]Decision, error) {
	decisions := make([]Decision, len(perms))
	var errs []error
	for i, p := range perms {
		d, err := e.Decide(ctx, userID, role, p.Resource, p.Action)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID(), err))
		}
		decisions[i] = d
	}
	return decisions, errors.Join(errs...)
}

// EffectivePermissions lists what role grants without overrides.
func (e *Engine) EffectivePermissions(role Role) []Permission {
	return e.Resolver().Resolve(role).Sorted()
}
