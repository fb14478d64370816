package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"marketplace-auth/internal/authz"
	"marketplace-auth/internal/service"
	"marketplace-auth/internal/util"
)

// ArtisanHandler serves artisan storefront profiles. Ownership and role checks
// happen in the pipeline; handlers only see authorized requests.
type ArtisanHandler struct {
	artisans *service.ArtisanService
	logger   *zap.Logger
}

func NewArtisanHandler(artisans *service.ArtisanService, logger *zap.Logger) *ArtisanHandler {
	return &ArtisanHandler{artisans: artisans, logger: logger}
}

func (h *ArtisanHandler) RegisterRoutes(router chi.Router, p *authz.Pipeline) {
	router.Route("/artisans", func(r chi.Router) {
		r.With(p.Guard(policyCreateArtisan)).Post("/", h.Create)
		r.With(p.Guard(policyReadArtisan)).Get("/{id}", h.Get)
		r.With(p.Guard(policyUpdateArtisan)).Put("/{id}", h.Update)
		r.With(p.Guard(policyUpdatePayout)).Put("/{id}/payout", h.SetPayout)
	})
}

func (h *ArtisanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.ArtisanInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondWithError(w, err)
		return
	}
	caller := authz.Caller(r.Context())
	profile, err := h.artisans.Create(r.Context(), caller.UserID, in)
	if err != nil {
		respondWithError(w, err)
		return
	}
	h.logger.Info("Artisan profile created",
		util.String("artisan_id", profile.ID),
		util.String("owner_id", profile.OwnerID),
	)
	respondWithJSON(w, http.StatusCreated, successResponse(service.MaskedPayout(profile), "Artisan profile created"))
}

// Get is readable by any authenticated role; payout details stay masked
func (h *ArtisanHandler) Get(w http.ResponseWriter, r *http.Request) {
	profile, err := h.artisans.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	view := service.MaskedPayout(profile)
	if caller := authz.Caller(r.Context()); caller == nil || caller.UserID != profile.OwnerID {
		view.PayoutAccount = ""
	}
	respondWithJSON(w, http.StatusOK, successResponse(view, ""))
}

func (h *ArtisanHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in service.ArtisanInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondWithError(w, err)
		return
	}
	profile, err := h.artisans.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(service.MaskedPayout(profile), "Artisan profile updated"))
}

type payoutRequest struct {
	Account string `json:"account"`
}

func (h *ArtisanHandler) SetPayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	profile, err := h.artisans.SetPayout(r.Context(), chi.URLParam(r, "id"), req.Account)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(service.MaskedPayout(profile), "Payout account updated"))
}
