package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"marketplace-auth/internal/authz"
	"marketplace-auth/internal/clock"
)

// DropCounter reports audit events lost to a full buffer
type DropCounter interface {
	Dropped() uint64
}

// HealthChecker is satisfied by services that can reach their backing store
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	GetServiceStats() map[string]interface{}
}

// DiagnosticsHandler exposes operator-only runtime state. It is reachable
// only with the configured developer key.
type DiagnosticsHandler struct {
	pipeline *authz.Pipeline
	users    HealthChecker
	audit    DropCounter
	clock    clock.Clock
	started  time.Time
}

func NewDiagnosticsHandler(p *authz.Pipeline, users HealthChecker, audit DropCounter, clk clock.Clock) *DiagnosticsHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &DiagnosticsHandler{pipeline: p, users: users, audit: audit, clock: clk, started: clk.Now()}
}

func (h *DiagnosticsHandler) RegisterRoutes(router chi.Router, p *authz.Pipeline) {
	router.With(p.Guard(policyDiagnostics)).Get("/internal/diagnostics", h.Get)
}

func (h *DiagnosticsHandler) Get(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"uptimeSeconds": int(h.clock.Now().Sub(h.started).Seconds()),
	}
	if h.pipeline != nil {
		data["stages"] = h.pipeline.Stages()
	}
	if h.audit != nil {
		data["auditDropped"] = h.audit.Dropped()
	}
	if h.users != nil {
		data["users"] = h.users.GetServiceStats()
		status := "healthy"
		if err := h.users.HealthCheck(r.Context()); err != nil {
			status = "unhealthy: " + err.Error()
		}
		data["userStore"] = status
	}
	respondWithJSON(w, http.StatusOK, successResponse(data, ""))
}
