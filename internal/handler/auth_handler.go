package handler

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/service"
)

// AuthHandler serves the public registration, OTP and session endpoints
type AuthHandler struct {
	auth   *service.AuthService
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/send-otp", h.SendOTP)
		r.Post("/resend-otp", h.ResendOTP)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Get("/otp-status", h.OTPStatus)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
	})
}

type otpMetadata struct {
	ExpiresAt         time.Time `json:"expiresAt"`
	ExpiresInSeconds  int       `json:"expiresInSeconds"`
	CooldownSeconds   int       `json:"cooldownSeconds"`
	AttemptsRemaining int       `json:"attemptsRemaining"`
	Delivered         bool      `json:"delivered"`
	Code              string    `json:"code,omitempty"`
}

func newOTPMetadata(issue *service.OTPIssue) *otpMetadata {
	if issue == nil {
		return nil
	}
	return &otpMetadata{
		ExpiresAt:         issue.ExpiresAt,
		ExpiresInSeconds:  issue.ExpiresInSeconds,
		CooldownSeconds:   issue.CooldownSeconds,
		AttemptsRemaining: issue.AttemptsRemaining,
		Delivered:         issue.Delivered,
		Code:              issue.Code,
	}
}

type registerResponse struct {
	UserID  string       `json:"userId"`
	Role    models.Role  `json:"role"`
	OTPSent bool         `json:"otpSent"`
	OTP     *otpMetadata `json:"otp,omitempty"`
}

type sessionResponse struct {
	UserID          string            `json:"userId"`
	Role            models.Role       `json:"role"`
	AlreadyVerified bool              `json:"alreadyVerified,omitempty"`
	Tokens          *models.TokenPair `json:"tokens"`
}

// Register handles account creation and the first OTP send
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	res, err := h.auth.Register(r.Context(), req, clientMeta(r))
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(registerResponse{
		UserID:  res.User.UserID,
		Role:    res.User.Role,
		OTPSent: res.OTPSent,
		OTP:     newOTPMetadata(res.OTP),
	}, "Registration successful"))
}

func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, h.auth.SendOTP)
}

func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, h.auth.ResendOTP)
}

func (h *AuthHandler) send(w http.ResponseWriter, r *http.Request,
	issue func(context.Context, service.TargetInput, service.ClientMeta) (*service.OTPIssue, error)) {
	var in service.TargetInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondWithError(w, err)
		return
	}
	res, err := issue(r.Context(), in, clientMeta(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(newOTPMetadata(res), "Verification code sent"))
}

type verifyRequest struct {
	service.TargetInput
	OTP string `json:"otp"`
}

// VerifyOTP completes verification and issues a session
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	res, err := h.auth.VerifyOTP(r.Context(), req.TargetInput, req.OTP, clientMeta(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(sessionResponse{
		UserID:          res.User.UserID,
		Role:            res.User.Role,
		AlreadyVerified: res.AlreadyVerified,
		Tokens:          res.Tokens,
	}, "Verification successful"))
}

func (h *AuthHandler) OTPStatus(w http.ResponseWriter, r *http.Request) {
	in := service.TargetInput{
		Phone: r.URL.Query().Get("phone"),
		Email: r.URL.Query().Get("email"),
	}
	view, err := h.auth.OTPStatus(r.Context(), in, clientMeta(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(view, ""))
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	res, err := h.auth.Login(r.Context(), req, clientMeta(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(sessionResponse{
		UserID: res.User.UserID,
		Role:   res.User.Role,
		Tokens: res.Tokens,
	}, "Login successful"))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken, clientMeta(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(pair, ""))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken, clientMeta(r)); err != nil {
		respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func clientMeta(r *http.Request) service.ClientMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return service.ClientMeta{
		IP:        ip,
		UserAgent: r.UserAgent(),
		RequestID: middleware.GetReqID(r.Context()),
	}
}

// badRequest is used by handlers that validate path input themselves
func badRequest(w http.ResponseWriter, detail string) {
	respondWithError(w, apperr.ErrValidation.WithDetail(detail))
}
