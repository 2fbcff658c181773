package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nmang004/proxapeople-sub000/internal/platform/httpx"
	"github.com/nmang004/proxapeople-sub000/internal/rbac"
)

// PrincipalFromContext returns the principal placed by Authenticate.
func PrincipalFromContext(r *http.Request) (rbac.Principal, bool) {
	return rbac.PrincipalFromContext(r.Context())
}

// Authenticate verifies the bearer token, when present, and stores the
// principal in the request context. Requests without a token pass through
// anonymously; a token that fails verification is rejected with 401.
func Authenticate(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if errors.Is(err, ErrMissingToken) {
				next.ServeHTTP(w, r)
				return
			}
			if err == nil {
				var p rbac.Principal
				p, err = v.Verify(token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(rbac.ContextWithPrincipal(r.Context(), p)))
					return
				}
			}
			logger.Info("rejected bearer token", slog.String("path", r.URL.Path), slog.Any("error", err))
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
		})
	}
}

// RequirePrincipal rejects anonymous requests with 401.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(token), nil
}
