package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nmang004/proxapeople-sub000/internal/platform/httpx"
)

const maxChecksPerRequest = 200

// Handler serves the permissions API under /api/permissions.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	source   PolicySource
	rbac     Middleware
	validate *validator.Validate
}

// NewHandler builds the API handler. source is what POST /reload reads from.
func NewHandler(logger *slog.Logger, engine *Engine, source PolicySource) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		engine:   engine,
		source:   source,
		rbac:     Middleware{Engine: engine, Logger: logger},
		validate: validator.New(),
	}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/api/permissions", func(r chi.Router) {
		r.Get("/catalog", h.handleCatalog)
		r.Post("/check", h.handleCheck)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(Perm(ResourceSettings, ActionAdmin), Perm(ResourceUsers, ActionAdmin)))
			r.Get("/users/{userID}/overrides", h.handleListOverrides)
			r.Post("/users/{userID}/overrides", h.handleAddOverride)
			r.Delete("/overrides/{overrideID}", h.handleRemoveOverride)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.Require(ResourceSettings, ActionAdmin))
			r.Post("/reload", h.handleReload)
		})
	})
}

type roleView struct {
	Name      Role         `json:"name"`
	Label     string       `json:"label"`
	Parents   []Role       `json:"parents"`
	Ancestors []Role       `json:"ancestors"`
	Direct    []Permission `json:"direct"`
	Effective []Permission `json:"effective"`
}

type catalogResponse struct {
	Actions     []Action         `json:"actions"`
	Resources   []ResourceDef    `json:"resources"`
	Permissions []PermissionInfo `json:"permissions"`
	Roles       []roleView       `json:"roles"`
	LoadedAt    time.Time        `json:"loaded_at"`
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	policy := h.engine.Policy()
	resp := catalogResponse{
		Actions:     Actions(),
		Resources:   policy.Catalog.ListResources(),
		Permissions: policy.Catalog.Permissions(),
		LoadedAt:    policy.LoadedAt,
	}
	for _, role := range policy.Hierarchy.Roles() {
		def, _ := policy.Hierarchy.Definition(role)
		resp.Roles = append(resp.Roles, roleView{
			Name:      role,
			Label:     def.Label,
			Parents:   def.Parents,
			Ancestors: policy.Hierarchy.Ancestors(role),
			Direct:    policy.Hierarchy.DirectPermissions(role),
			Effective: policy.Resolver.Resolve(role).Sorted(),
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type checkRequest struct {
	Checks []Permission `json:"checks" validate:"required,min=1,dive"`
}

type checkResponse struct {
	UserID    int64      `json:"user_id"`
	Role      Role       `json:"role"`
	Decisions []Decision `json:"decisions"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if len(req.Checks) > maxChecksPerRequest {
		h.respondError(w, fmt.Errorf("%w: at most %d checks per request", ErrValidation, maxChecksPerRequest))
		return
	}
	decisions, err := h.engine.DecideMany(r.Context(), p.UserID, p.Role, req.Checks)
	if err != nil {
		// Failed checks are already denied; the matrix is still rendered.
		h.logger.Warn("permission check degraded", slog.Int64("user_id", p.UserID), slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, checkResponse{UserID: p.UserID, Role: p.Role, Decisions: decisions})
}

type overrideView struct {
	UserOverride
	Active bool `json:"active"`
}

func (h *Handler) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	list, err := h.engine.Overrides().OverridesForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list overrides", slog.Int64("user_id", userID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	now := time.Now().UTC()
	views := make([]overrideView, 0, len(list))
	for _, o := range list {
		views = append(views, overrideView{UserOverride: o, Active: o.ActiveAt(now)})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "overrides": views})
}

type addOverrideRequest struct {
	Resource  Resource   `json:"resource" validate:"required"`
	Action    Action     `json:"action" validate:"required"`
	Granted   *bool      `json:"granted" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) handleAddOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	userID, err := parseUserID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	var req addOverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	o, err := h.engine.Overrides().AddOverride(r.Context(), AddOverrideInput{
		UserID:    userID,
		Resource:  req.Resource,
		Action:    req.Action,
		Granted:   *req.Granted,
		GrantedBy: p.UserID,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "overrideID")
	if err := h.engine.Overrides().RemoveOverride(r.Context(), id); err != nil {
		h.logger.Error("remove override", slog.String("override_id", id), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "no reloadable policy source configured")
		return
	}
	if err := h.engine.Reload(r.Context(), h.source); err != nil {
		h.respondError(w, err)
		return
	}
	policy := h.engine.Policy()
	httpx.JSON(w, http.StatusOK, map[string]any{
		"loaded_at": policy.LoadedAt,
		"resources": len(policy.Catalog.ListResources()),
		"roles":     len(policy.Hierarchy.Roles()),
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	httpx.RespondError(w, err, errorMapping)
}

func errorMapping(err error) (int, string, bool) {
	var cfgErr *ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity, "Invalid Policy", true
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "Validation Failed", true
	case errors.Is(err, ErrDuplicateOverride):
		return http.StatusConflict, "Duplicate Override", true
	case errors.Is(err, ErrResourceNotFound):
		return http.StatusNotFound, "Not Found", true
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, "Service Unavailable", true
	}
	return 0, "", false
}

func parseUserID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "userID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid user id %q", ErrValidation, raw)
	}
	return id, nil
}
