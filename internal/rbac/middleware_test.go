package rbac

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDecider answers from a fixed table keyed by permission id.
type stubDecider struct {
	decisions map[string]Decision
	err       error
}

func (s stubDecider) Decide(ctx context.Context, userID int64, role Role, resource Resource, action Action) (Decision, error) {
	perm := Perm(resource, action)
	if d, ok := s.decisions[perm.ID()]; ok {
		d.Permission = perm
		return d, s.err
	}
	return Decision{Reason: ReasonNoGrant, Permission: perm}, s.err
}

func (s stubDecider) DecideMany(ctx context.Context, userID int64, role Role, perms []Permission) ([]Decision, error) {
	out := make([]Decision, len(perms))
	for i, p := range perms {
		out[i], _ = s.Decide(ctx, userID, role, p.Resource, p.Action)
	}
	return out, s.err
}

func serveGuarded(t *testing.T, guard func(http.Handler) http.Handler, withPrincipal bool) *httptest.ResponseRecorder {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	if withPrincipal {
		req = req.WithContext(ContextWithPrincipal(req.Context(), Principal{UserID: 5, Role: RoleEmployee}))
	}
	rec := httptest.NewRecorder()
	guard(next).ServeHTTP(rec, req)
	return rec
}

func quietMiddleware(d Decider) Middleware {
	return Middleware{Engine: d, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestRequireStatusCodes(t *testing.T) {
	cases := []struct {
		name       string
		decider    stubDecider
		principal  bool
		wantStatus int
	}{
		{
			name:       "allowed",
			decider:    stubDecider{decisions: map[string]Decision{"goals:view": {Allowed: true, Reason: ReasonRoleGranted}}},
			principal:  true,
			wantStatus: http.StatusTeapot,
		},
		{
			name:       "anonymous",
			decider:    stubDecider{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "denied",
			decider:    stubDecider{},
			principal:  true,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "override denied",
			decider:    stubDecider{decisions: map[string]Decision{"goals:view": {Reason: ReasonOverrideDenied}}},
			principal:  true,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "unknown permission",
			decider:    stubDecider{decisions: map[string]Decision{"goals:view": {Reason: ReasonInvalidRequest}}},
			principal:  true,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "store unavailable",
			decider:    stubDecider{decisions: map[string]Decision{"goals:view": {Reason: ReasonUnavailable}}, err: ErrUnavailable},
			principal:  true,
			wantStatus: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := quietMiddleware(tc.decider)
			rec := serveGuarded(t, m.Require(ResourceGoals, ActionView), tc.principal)
			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
			if tc.wantStatus >= 400 {
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestRequireDenyCarriesReasonMessage(t *testing.T) {
	m := quietMiddleware(stubDecider{decisions: map[string]Decision{"users:delete": {Reason: ReasonOverrideDenied}}})
	rec := serveGuarded(t, m.Require(ResourceUsers, ActionDelete), true)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), ReasonOverrideDenied.Message())
}

func TestRequireAllowedWithErrorIsNotTrusted(t *testing.T) {
	m := quietMiddleware(stubDecider{
		decisions: map[string]Decision{"goals:view": {Allowed: true, Reason: ReasonRoleGranted}},
		err:       ErrUnavailable,
	})
	rec := serveGuarded(t, m.Require(ResourceGoals, ActionView), true)
	assert.NotEqual(t, http.StatusTeapot, rec.Code)
}

func TestRequireAnyAndAll(t *testing.T) {
	d := stubDecider{decisions: map[string]Decision{
		"settings:admin": {Reason: ReasonNoGrant},
		"users:admin":    {Allowed: true, Reason: ReasonOverrideGranted},
	}}
	m := quietMiddleware(d)
	settings, users := Perm(ResourceSettings, ActionAdmin), Perm(ResourceUsers, ActionAdmin)

	assert.Equal(t, http.StatusTeapot, serveGuarded(t, m.RequireAny(settings, users), true).Code)
	assert.Equal(t, http.StatusForbidden, serveGuarded(t, m.RequireAll(settings, users), true).Code)
	assert.Equal(t, http.StatusTeapot, serveGuarded(t, m.RequireAll(users, users), true).Code)
	assert.Equal(t, http.StatusUnauthorized, serveGuarded(t, m.RequireAny(settings, users), false).Code)
	// An empty requirement set guards nothing.
	assert.Equal(t, http.StatusTeapot, serveGuarded(t, m.RequireAll(), false).Code)
}

func TestRequireAnyUnavailableIsRetryable(t *testing.T) {
	m := quietMiddleware(stubDecider{
		decisions: map[string]Decision{"settings:admin": {Reason: ReasonUnavailable}, "users:admin": {Reason: ReasonUnavailable}},
		err:       ErrUnavailable,
	})
	rec := serveGuarded(t, m.RequireAny(Perm(ResourceSettings, ActionAdmin), Perm(ResourceUsers, ActionAdmin)), true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequireWithEngine(t *testing.T) {
	engine, err := NewEngine(context.Background(), DefaultSource, NewMemoryRepository())
	require.NoError(t, err)
	m := quietMiddleware(engine)

	assert.Equal(t, http.StatusTeapot, serveGuarded(t, m.Require(ResourceGoals, ActionView), true).Code)
	assert.Equal(t, http.StatusForbidden, serveGuarded(t, m.Require(ResourceUsers, ActionDelete), true).Code)
	assert.Equal(t, http.StatusInternalServerError, serveGuarded(t, m.Require("payroll", ActionView), true).Code)
}
