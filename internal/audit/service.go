package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nmang004/proxapeople-sub000/internal/rbac"
)

// EntityOverride is the entity name used for user override records.
const EntityOverride = "rbac_user_permission"

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// Service records audit entries and serves the timeline.
type Service struct {
	repo Repository
}

// NewService builds an audit service over repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record persists the entry after checking required fields.
func (s *Service) Record(ctx context.Context, e Entry) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if strings.TrimSpace(e.Action) == "" || strings.TrimSpace(e.Entity) == "" || strings.TrimSpace(e.EntityID) == "" {
		return errors.New("audit: entry requires action/entity/entity_id")
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// RecordOverride implements rbac.OverrideAuditor.
func (s *Service) RecordOverride(ctx context.Context, event rbac.OverrideEvent) error {
	o := event.Override
	meta := map[string]any{
		"user_id":    o.UserID,
		"permission": o.Permission.ID(),
		"granted":    o.Granted,
		"granted_by": o.GrantedBy,
		"granted_at": o.GrantedAt,
	}
	if o.ExpiresAt != nil {
		meta["expires_at"] = *o.ExpiresAt
	}
	return s.Record(ctx, Entry{
		ActorID:  event.ActorID,
		Action:   event.Kind,
		Entity:   EntityOverride,
		EntityID: o.ID,
		Meta:     meta,
		At:       event.At,
	})
}

// Timeline returns one page of entries, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.repo.Window(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, fmt.Errorf("audit: timeline: %w", err)
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	if rows == nil {
		rows = []Entry{}
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every entry matching filters without paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	rows, err := s.repo.All(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("audit: export: %w", err)
	}
	return rows, nil
}
