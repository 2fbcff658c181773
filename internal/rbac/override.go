package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// OverrideRepository is the persistence port for user overrides. Implementations
// must give read-after-write consistency per user.
type OverrideRepository interface {
	// InsertOverride stores o unless an override for the same user and
	// permission is still active at now, in which case it returns
	// ErrDuplicateOverride. The check and the insert must be atomic.
	InsertOverride(ctx context.Context, o UserOverride, now time.Time) (UserOverride, error)
	// DeleteOverride removes the override and returns it. A missing id yields found=false and no error.
	DeleteOverride(ctx context.Context, id string) (deleted UserOverride, found bool, err error)
	ListOverridesByUser(ctx context.Context, userID int64) ([]UserOverride, error)
	ListOverridesForPermission(ctx context.Context, userID int64, perm Permission) ([]UserOverride, error)
	DeleteExpiredOverrides(ctx context.Context, now time.Time) ([]UserOverride, error)
}

// Invalidator receives notifications when cached decisions become stale.
type Invalidator interface {
	InvalidateUser(userID int64)
	InvalidateAll()
}

// PermissionValidator reports whether a (resource, action) pair exists.
type PermissionValidator interface {
	IsActionValidForResource(resource Resource, action Action) bool
}

// OverrideAuditor records override lifecycle events.
type OverrideAuditor interface {
	RecordOverride(ctx context.Context, event OverrideEvent) error
}

// OverrideEvent is an audit trail record for an override change.
type OverrideEvent struct {
	Kind     string
	ActorID  int64
	Override UserOverride
	At       time.Time
}

const (
	OverrideEventAdded   = "rbac.override.added"
	OverrideEventRemoved = "rbac.override.removed"
	OverrideEventPurged  = "rbac.override.purged"
)

// AddOverrideInput describes a new override.
type AddOverrideInput struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	Resource  Resource   `json:"resource" validate:"required"`
	Action    Action     `json:"action" validate:"required"`
	Granted   bool       `json:"granted"`
	GrantedBy int64      `json:"granted_by" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// OverrideStore manages per-user grants and denials on top of an OverrideRepository.
// Whether the acting user may manage overrides is the caller's concern.
type OverrideStore struct {
	repo        OverrideRepository
	permissions PermissionValidator
	invalidator Invalidator
	auditor     OverrideAuditor
	logger      *slog.Logger
	validate    *validator.Validate
	now         func() time.Time
}

// OverrideStoreOption customises an OverrideStore.
type OverrideStoreOption func(*OverrideStore)

// WithInvalidator registers the hook called after every change.
func WithInvalidator(inv Invalidator) OverrideStoreOption {
	return func(s *OverrideStore) { s.invalidator = inv }
}

// WithAuditor records add/remove events.
func WithAuditor(a OverrideAuditor) OverrideStoreOption {
	return func(s *OverrideStore) { s.auditor = a }
}

// WithOverrideLogger sets the logger.
func WithOverrideLogger(l *slog.Logger) OverrideStoreOption {
	return func(s *OverrideStore) { s.logger = l }
}

// WithClock replaces time.Now, used for expiry checks.
func WithClock(now func() time.Time) OverrideStoreOption {
	return func(s *OverrideStore) { s.now = now }
}

// NewOverrideStore builds an OverrideStore. permissions validates new overrides
// against the current catalog.
func NewOverrideStore(repo OverrideRepository, permissions PermissionValidator, opts ...OverrideStoreOption) *OverrideStore {
	s := &OverrideStore{
		repo:        repo,
		permissions: permissions,
		validate:    validator.New(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SetInvalidator replaces the invalidation hook after construction.
func (s *OverrideStore) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

// AddOverride creates an override. It fails with ErrDuplicateOverride when an
// active override for the same user and permission exists; callers replace by
// removing first.
func (s *OverrideStore) AddOverride(ctx context.Context, in AddOverrideInput) (UserOverride, error) {
	if err := s.validate.Struct(in); err != nil {
		return UserOverride{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !in.Action.Valid() || s.permissions == nil || !s.permissions.IsActionValidForResource(in.Resource, in.Action) {
		return UserOverride{}, fmt.Errorf("%w: %s:%s", ErrInvalidRequest, in.Resource, in.Action)
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return UserOverride{}, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
	}
	o := UserOverride{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		Permission: Perm(in.Resource, in.Action),
		Granted:    in.Granted,
		GrantedBy:  in.GrantedBy,
		GrantedAt:  now,
	}
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC()
		o.ExpiresAt = &exp
	}
	stored, err := s.repo.InsertOverride(ctx, o, now)
	if err != nil {
		if errors.Is(err, ErrDuplicateOverride) {
			return UserOverride{}, err
		}
		return UserOverride{}, fmt.Errorf("rbac: add override: %w", err)
	}
	s.invalidateUser(stored.UserID)
	s.audit(ctx, OverrideEventAdded, stored.GrantedBy, stored)
	s.logger.Info("override added",
		slog.String("override_id", stored.ID),
		slog.Int64("user_id", stored.UserID),
		slog.String("permission", stored.Permission.ID()),
		slog.Bool("granted", stored.Granted),
		slog.Int64("granted_by", stored.GrantedBy),
	)
	return stored, nil
}

// RemoveOverride deletes an override. Removing an unknown id succeeds.
func (s *OverrideStore) RemoveOverride(ctx context.Context, id string) error {
	deleted, found, err := s.repo.DeleteOverride(ctx, id)
	if err != nil {
		return fmt.Errorf("rbac: remove override: %w", err)
	}
	if !found {
		return nil
	}
	s.invalidateUser(deleted.UserID)
	actor := int64(0)
	if p, ok := PrincipalFromContext(ctx); ok {
		actor = p.UserID
	}
	s.audit(ctx, OverrideEventRemoved, actor, deleted)
	s.logger.Info("override removed",
		slog.String("override_id", deleted.ID),
		slog.Int64("user_id", deleted.UserID),
		slog.String("permission", deleted.Permission.ID()),
	)
	return nil
}

// OverridesForUser returns every override of the user, expired ones included.
func (s *OverrideStore) OverridesForUser(ctx context.Context, userID int64) ([]UserOverride, error) {
	list, err := s.repo.ListOverridesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list overrides: %w", err)
	}
	return list, nil
}

// ActiveOverride returns the unexpired override for (user, resource, action), or nil.
// When several are active the most recently granted wins.
func (s *OverrideStore) ActiveOverride(ctx context.Context, userID int64, resource Resource, action Action) (*UserOverride, error) {
	perm := Perm(resource, action)
	list, err := s.repo.ListOverridesForPermission(ctx, userID, perm)
	if err != nil {
		return nil, fmt.Errorf("rbac: active override: %w", err)
	}
	now := s.now()
	var (
		winner *UserOverride
		active int
	)
	for i := range list {
		o := list[i]
		if !o.ActiveAt(now) {
			continue
		}
		active++
		if winner == nil || o.GrantedAt.After(winner.GrantedAt) {
			winner = &o
		}
	}
	if active > 1 {
		s.logger.Warn("multiple active overrides for one permission",
			slog.Int64("user_id", userID),
			slog.String("permission", perm.ID()),
			slog.Int("active", active),
			slog.String("chosen_override_id", winner.ID),
		)
	}
	return winner, nil
}

// PurgeExpired deletes overrides whose expiry has passed. Decisions never depend
// on it; it only keeps storage tidy.
func (s *OverrideStore) PurgeExpired(ctx context.Context) (int64, error) {
	purged, err := s.repo.DeleteExpiredOverrides(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("rbac: purge overrides: %w", err)
	}
	users := make(map[int64]struct{}, len(purged))
	for _, o := range purged {
		users[o.UserID] = struct{}{}
		s.audit(ctx, OverrideEventPurged, 0, o)
	}
	for userID := range users {
		s.invalidateUser(userID)
	}
	return int64(len(purged)), nil
}

func (s *OverrideStore) invalidateUser(userID int64) {
	if s.invalidator != nil {
		s.invalidator.InvalidateUser(userID)
	}
}

func (s *OverrideStore) audit(ctx context.Context, kind string, actor int64, o UserOverride) {
	if s.auditor == nil {
		return
	}
	event := OverrideEvent{Kind: kind, ActorID: actor, Override: o, At: s.now()}
	if err := s.auditor.RecordOverride(ctx, event); err != nil {
		s.logger.Warn("record override audit", slog.String("kind", kind), slog.String("override_id", o.ID), slog.Any("error", err))
	}
}
