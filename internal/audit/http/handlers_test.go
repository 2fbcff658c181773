package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nmang004/proxapeople-sub000/internal/audit"
	"github.com/nmang004/proxapeople-sub000/internal/rbac"
)

type stubTimelineService struct {
	result      audit.Result
	exportRows  []audit.Entry
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func (s *stubTimelineService) Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.Entry, error) {
	s.lastFilters = filters
	return s.exportRows, nil
}

// stubDecider allows only the permissions it lists.
type stubDecider struct {
	allowed map[string]bool
}

func (s stubDecider) Decide(ctx context.Context, userID int64, role rbac.Role, resource rbac.Resource, action rbac.Action) (rbac.Decision, error) {
	perm := rbac.Perm(resource, action)
	if s.allowed[perm.ID()] {
		return rbac.Decision{Allowed: true, Reason: rbac.ReasonRoleGranted, Permission: perm}, nil
	}
	return rbac.Decision{Reason: rbac.ReasonNoGrant, Permission: perm}, nil
}

func (s stubDecider) DecideMany(ctx context.Context, userID int64, role rbac.Role, perms []rbac.Permission) ([]rbac.Decision, error) {
	out := make([]rbac.Decision, len(perms))
	for i, p := range perms {
		out[i], _ = s.Decide(ctx, userID, role, p.Resource, p.Action)
	}
	return out, nil
}

func newAuditRouter(t *testing.T, service *stubTimelineService, allowed ...string) chi.Router {
	t.Helper()
	perms := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		perms[p] = true
	}
	handler := NewHandler(nil, service, stubDecider{allowed: perms})
	handler.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	router := chi.NewRouter()
	handler.MountRoutes(router)
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(rbac.ContextWithPrincipal(req.Context(), rbac.Principal{UserID: 1, Role: rbac.RoleAdmin}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestTimelineRequiresPermission(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{})
	rr := get(router, "/api/audit/")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestTimelineReturnsRows(t *testing.T) {
	rows := []audit.Entry{{ActorID: 1, Action: rbac.OverrideEventAdded, Entity: audit.EntityOverride, EntityID: "a", At: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}}
	service := &stubTimelineService{result: audit.Result{Rows: rows, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}}
	router := newAuditRouter(t, service, "settings:admin")

	rr := get(router, "/api/audit/?actor_id=1&action=rbac.override.added")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result audit.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0].EntityID != "a" {
		t.Fatalf("unexpected rows %+v", result.Rows)
	}
	f := service.lastFilters
	if f.ActorID != 1 || f.Action != rbac.OverrideEventAdded {
		t.Fatalf("filters not forwarded: %+v", f)
	}
	wantTo := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	wantFrom := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	if !f.To.Equal(wantTo) || !f.From.Equal(wantFrom) {
		t.Fatalf("expected default range %s..%s, got %s..%s", wantFrom, wantTo, f.From, f.To)
	}
}

func TestTimelineValidatesFilters(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, "settings:admin")
	for _, query := range []string{
		"from=yesterday",
		"to=2026-13-01",
		"from=2026-03-10&to=2026-03-01",
		"from=2025-01-01&to=2026-03-01",
		"page=0",
		"page_size=abc",
		"actor_id=-4",
	} {
		rr := get(router, "/api/audit/?"+query)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
	}
}

func TestExportCSV(t *testing.T) {
	service := &stubTimelineService{exportRows: []audit.Entry{{
		ActorID: 1, Action: rbac.OverrideEventRemoved, Entity: audit.EntityOverride, EntityID: "b",
		At: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
	}}}
	router := newAuditRouter(t, service, "settings:admin")
	rr := get(router, "/api/audit/export.csv")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), rbac.OverrideEventRemoved) {
		t.Fatalf("csv missing row: %s", rr.Body.String())
	}
}

func TestExportIsRateLimited(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, "settings:admin")
	for i := 0; i < rateLimit; i++ {
		if rr := get(router, "/api/audit/export.csv"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	if rr := get(router, "/api/audit/export.csv"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}
