package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmang004/proxapeople-sub000/internal/app"
	"github.com/nmang004/proxapeople-sub000/internal/audit"
	audithttp "github.com/nmang004/proxapeople-sub000/internal/audit/http"
	"github.com/nmang004/proxapeople-sub000/internal/auth"
	"github.com/nmang004/proxapeople-sub000/internal/rbac"
)

const secret = "e2e-secret"

// instance is one running copy of the service sharing storage and redis with its peers.
type instance struct {
	engine *rbac.Engine
	router http.Handler
	calls  int
}

func startInstance(t *testing.T, ctx context.Context, repo rbac.OverrideRepository, auditStore audit.Repository, client *redis.Client) *instance {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &app.Config{AppEnv: "production", AuthTokenSecret: secret}

	decisionCache := rbac.NewDecisionCache(1000, time.Hour, nil)
	broadcaster := rbac.NewBroadcaster(client, decisionCache, "e2e.invalidate", logger)
	require.NoError(t, broadcaster.Listen(ctx))

	auditService := audit.NewService(auditStore)
	engine, err := rbac.NewEngine(ctx, rbac.DefaultSource, repo,
		rbac.WithDecisionCache(decisionCache),
		rbac.WithEngineInvalidator(broadcaster),
		rbac.WithLogger(logger),
		rbac.WithOverrideStoreOptions(rbac.WithAuditor(auditService)),
	)
	require.NoError(t, err)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Verifier:           auth.NewVerifier(secret, ""),
		PermissionsHandler: rbac.NewHandler(logger, engine, rbac.DefaultSource),
		AuditHandler:       audithttp.NewHandler(logger, auditService, engine),
	})
	return &instance{engine: engine, router: router}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func (i *instance) call(t *testing.T, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", bearer)
	// Production mode redirects plain http requests.
	req.Header.Set("X-Forwarded-Proto", "https")
	// Spread polling over client addresses so the per-IP rate limit stays out of the way.
	i.calls++
	req.RemoteAddr = fmt.Sprintf("10.0.%d.%d:1234", i.calls/250, i.calls%250+1)
	rec := httptest.NewRecorder()
	i.router.ServeHTTP(rec, req)
	return rec
}

func decisionFor(t *testing.T, rec *httptest.ResponseRecorder) rbac.Decision {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Decisions []rbac.Decision `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Decisions, 1)
	return resp.Decisions[0]
}

func TestOverrideRevocationReachesPeerInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := rbac.NewMemoryRepository()
	auditStore := audit.NewMemoryStore()
	a := startInstance(t, ctx, repo, auditStore, client)
	b := startInstance(t, ctx, repo, auditStore, client)

	admin := token(t, "1", "admin")
	manager := token(t, "200", "manager")
	check := `{"checks":[{"resource":"reviews","action":"approve"}]}`

	// The manager's grant is now cached on instance b.
	d := decisionFor(t, b.call(t, http.MethodPost, "/api/permissions/check", manager, check))
	require.True(t, d.Allowed)
	require.Equal(t, rbac.ReasonRoleGranted, d.Reason)

	// An administrator revokes it through instance a.
	rec := a.call(t, http.MethodPost, "/api/permissions/users/200/overrides", admin,
		`{"resource":"reviews","action":"approve","granted":false}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created rbac.UserOverride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	require.Eventually(t, func() bool {
		d := decisionFor(t, b.call(t, http.MethodPost, "/api/permissions/check", manager, check))
		return !d.Allowed && d.Reason == rbac.ReasonOverrideDenied
	}, 2*time.Second, 20*time.Millisecond)

	// Removing the override restores the role grant on both instances.
	rec = a.call(t, http.MethodDelete, "/api/permissions/overrides/"+created.ID, admin, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Eventually(t, func() bool {
		d := decisionFor(t, b.call(t, http.MethodPost, "/api/permissions/check", manager, check))
		return d.Allowed && d.Reason == rbac.ReasonRoleGranted
	}, 2*time.Second, 20*time.Millisecond)

	// Both changes are on the audit timeline.
	rec = b.call(t, http.MethodGet, "/api/audit/?entity_id="+created.ID, admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var timeline audit.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	var actions []string
	for _, row := range timeline.Rows {
		actions = append(actions, row.Action)
	}
	assert.ElementsMatch(t, []string{rbac.OverrideEventAdded, rbac.OverrideEventRemoved}, actions)
}

func TestManagerCannotGrantThemselves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := startInstance(t, ctx, rbac.NewMemoryRepository(), audit.NewMemoryStore(), client)
	rec := a.call(t, http.MethodPost, "/api/permissions/users/200/overrides", token(t, "200", "manager"),
		`{"resource":"settings","action":"admin","granted":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
