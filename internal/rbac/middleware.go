package rbac

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nmang004/proxapeople-sub000/internal/platform/httpx"
)

// Decider is the read side of the Engine used by HTTP adapters.
type Decider interface {
	Decide(ctx context.Context, userID int64, role Role, resource Resource, action Action) (Decision, error)
	DecideMany(ctx context.Context, userID int64, role Role, perms []Permission) ([]Decision, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Engine Decider
	Logger *slog.Logger
}

// Require ensures the current principal may perform action on resource.
func (m Middleware) Require(resource Resource, action Action) func(http.Handler) http.Handler {
	perm := Perm(resource, action)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			d, err := m.Engine.Decide(r.Context(), p.UserID, p.Role, perm.Resource, perm.Action)
			if err != nil {
				m.logger().Error("rbac require", slog.String("permission", perm.ID()), slog.Int64("user_id", p.UserID), slog.Any("error", err))
			}
			if d.Allowed && err == nil {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(w, r, p, []Decision{d})
		})
	}
}

// RequireAny ensures the current principal holds at least one of perms.
func (m Middleware) RequireAny(perms ...Permission) func(http.Handler) http.Handler {
	return m.requireSet(perms, func(ds []Decision) bool {
		for _, d := range ds {
			if d.Allowed {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current principal holds every one of perms.
func (m Middleware) RequireAll(perms ...Permission) func(http.Handler) http.Handler {
	return m.requireSet(perms, func(ds []Decision) bool {
		for _, d := range ds {
			if !d.Allowed {
				return false
			}
		}
		return true
	})
}

func (m Middleware) requireSet(perms []Permission, pass func([]Decision) bool) func(http.Handler) http.Handler {
	required := dedupePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			decisions, err := m.Engine.DecideMany(r.Context(), p.UserID, p.Role, required)
			if err != nil {
				m.logger().Error("rbac require set", slog.Int64("user_id", p.UserID), slog.Any("error", err))
			}
			if pass(decisions) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(w, r, p, decisions)
		})
	}
}

// deny picks the response from the most severe decision: a misconfigured route
// is a server error, an unavailable store is retryable, anything else is 403.
func (m Middleware) deny(w http.ResponseWriter, r *http.Request, p Principal, decisions []Decision) {
	var denied *Decision
	for i := range decisions {
		d := decisions[i]
		switch d.Reason {
		case ReasonInvalidRequest:
			m.logger().Error("route guarded by unknown permission", slog.String("permission", d.Permission.ID()), slog.String("path", r.URL.Path))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		case ReasonUnavailable:
			w.Header().Set("Retry-After", "1")
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", d.Reason.Message())
			return
		}
		if !d.Allowed && denied == nil {
			denied = &d
		}
	}
	detail := ReasonNoGrant.Message()
	if denied != nil {
		detail = denied.Reason.Message()
		m.logger().Info("rbac denied",
			slog.Int64("user_id", p.UserID),
			slog.String("role", string(p.Role)),
			slog.String("permission", denied.Permission.ID()),
			slog.String("reason", string(denied.Reason)),
		)
	}
	httpx.Problem(w, http.StatusForbidden, "Forbidden", detail)
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func dedupePermissions(perms []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
