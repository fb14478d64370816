package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/authz"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/service"
	"marketplace-auth/internal/util"
)

// UserHandler serves the caller's own account and the admin user operations
type UserHandler struct {
	users    *service.UserService
	exporter audit.Exporter
	logger   *zap.Logger
}

func NewUserHandler(users *service.UserService, exporter audit.Exporter, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, exporter: exporter, logger: logger}
}

// RegisterRoutes registers all user routes behind the authorization pipeline
func (h *UserHandler) RegisterRoutes(router chi.Router, p *authz.Pipeline) {
	router.Route("/users/me", func(r chi.Router) {
		r.With(p.Guard(policyReadProfile)).Get("/", h.GetMe)
		r.With(p.Guard(policyUpdatePreferences)).Patch("/preferences", h.UpdatePreferences)
	})

	router.Route("/admin", func(r chi.Router) {
		r.With(p.Guard(policyChangeRole)).Put("/users/{id}/role", h.SetRole)
		r.With(p.Guard(policyVerifyIdentity)).Put("/users/{id}/identity", h.SetIdentity)
		r.With(p.Guard(policyDeleteUser)).Delete("/users/{id}", h.DeleteUser)
		r.With(p.Guard(policyExportAudit)).Get("/audit-events", h.ExportAudit)
	})
}

// GetMe returns the decrypted profile of the caller
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	caller := authz.Caller(r.Context())
	profile, err := h.users.Profile(r.Context(), caller)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(profile, ""))
}

type preferencesRequest struct {
	UserID      string            `json:"userId"`
	Language    *string           `json:"language"`
	MarketingOK *bool             `json:"marketingOk"`
	Extra       map[string]string `json:"extra"`
}

// UpdatePreferences patches the caller's preferences. A userId in the body is
// checked by the pipeline and otherwise ignored.
func (h *UserHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	caller := authz.Caller(r.Context())
	var req preferencesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	prefs, err := h.users.GetPreferences(r.Context(), caller.UserID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	prefs.UserID = caller.UserID
	if req.Language != nil {
		prefs.Language = *req.Language
	}
	if req.MarketingOK != nil {
		prefs.MarketingOK = *req.MarketingOK
	}
	if req.Extra != nil {
		prefs.Extra = req.Extra
	}

	updated, err := h.users.UpdatePreferences(r.Context(), prefs)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(updated, "Preferences updated"))
}

type roleRequest struct {
	Role models.Role `json:"role"`
}

func (h *UserHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	user, err := h.users.SetRole(r.Context(), chi.URLParam(r, "id"), req.Role)
	if err != nil {
		respondWithError(w, err)
		return
	}
	h.logger.Info("User role changed",
		util.String("user_id", user.UserID),
		util.String("role", string(user.Role)),
		util.String("by", authz.Caller(r.Context()).UserID),
	)
	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"userId": user.UserID,
		"role":   user.Role,
	}, "Role updated"))
}

type identityRequest struct {
	Verified bool `json:"verified"`
}

func (h *UserHandler) SetIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	reviewer := authz.Caller(r.Context()).UserID
	user, err := h.users.SetIdentityVerified(r.Context(), chi.URLParam(r, "id"), req.Verified, reviewer)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"userId":             user.UserID,
		"isIdentityVerified": user.IsIdentityVerified,
	}, "Identity review recorded"))
}

func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.users.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportAudit lists recorded security events, newest first
func (h *UserHandler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		respondWithError(w, apperr.ErrUnavailable.WithDetail("no exportable audit sink configured"))
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		ActorID: q.Get("actor"),
		Outcome: models.AuditOutcome(q.Get("outcome")),
		Action:  q.Get("action"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	events, err := h.exporter.Export(r.Context(), filter)
	if err != nil {
		respondWithError(w, apperr.Dependency(err))
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(events, ""))
}
