package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
	"marketplace-auth/internal/util"
)

// Claims carried by access tokens. Role is a snapshot taken at issuance.
type Claims struct {
	Role      models.Role `json:"role"`
	SessionID string      `json:"sid"`
	jwt.RegisteredClaims
}

// ClientMeta identifies the caller of an auth flow
type ClientMeta struct {
	IP        string
	UserAgent string
	RequestID string
}

// UserLookup resolves the live user behind a session
type UserLookup interface {
	GetByID(ctx context.Context, userID string) (*models.User, error)
}

// TokenService mints access JWTs and rotating refresh tokens of the form
// "<session id>.<secret>". Only the SHA-256 of the secret is stored.
type TokenService struct {
	cfg       config.JWTConfig
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	sessions  repository.SessionStore
	users     UserLookup
	clock     clock.Clock
	logger    *zap.Logger
}

func NewTokenService(cfg *config.Config, sessions repository.SessionStore, users UserLookup, clk clock.Clock) (*TokenService, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	ts := &TokenService{
		cfg:      cfg.JWT,
		sessions: sessions,
		users:    users,
		clock:    clk,
		logger:   util.Get(),
	}

	switch strings.ToLower(cfg.JWT.SigningMethod) {
	case "", "hs256":
		secret := []byte(cfg.JWT.Secret)
		if len(secret) == 0 {
			if cfg.IsProduction() {
				return nil, errors.New("JWT_SECRET is required in production")
			}
			secret = make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return nil, fmt.Errorf("failed to generate signing secret: %w", err)
			}
			ts.logger.Warn("No JWT secret configured, using an ephemeral signing secret")
		}
		ts.method = jwt.SigningMethodHS256
		ts.signKey, ts.verifyKey = secret, secret
	case "ed25519", "eddsa":
		priv, pub, err := parseEd25519Keys(cfg.JWT.PrivateKey, cfg.JWT.PublicKey)
		if err != nil {
			return nil, err
		}
		ts.method = jwt.SigningMethodEdDSA
		ts.signKey, ts.verifyKey = priv, pub
	default:
		return nil, fmt.Errorf("unsupported JWT signing method %q", cfg.JWT.SigningMethod)
	}
	return ts, nil
}

func parseEd25519Keys(privB64, pubB64 string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid JWT_PRIVATE_KEY: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, nil, fmt.Errorf("invalid JWT_PRIVATE_KEY length %d", len(raw))
	}
	pub := priv.Public().(ed25519.PublicKey)
	if pubB64 != "" {
		rawPub, err := base64.StdEncoding.DecodeString(pubB64)
		if err != nil || len(rawPub) != ed25519.PublicKeySize {
			return nil, nil, errors.New("invalid JWT_PUBLIC_KEY")
		}
		if !pub.Equal(ed25519.PublicKey(rawPub)) {
			return nil, nil, errors.New("JWT_PUBLIC_KEY does not match JWT_PRIVATE_KEY")
		}
	}
	return priv, pub, nil
}

// GenerateEd25519Key returns base64 seed and public key suitable for the JWT config
func GenerateEd25519Key() (seed, public string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(priv.Seed()), base64.StdEncoding.EncodeToString(pub), nil
}

// Issue creates a new refresh session and the first token pair for it
func (s *TokenService) Issue(ctx context.Context, user *models.User, meta ClientMeta) (*models.TokenPair, error) {
	now := s.clock.Now().UTC()
	secret, err := newRefreshSecret()
	if err != nil {
		return nil, apperr.ErrInternal.WithCause(err)
	}

	sess := &models.RefreshSession{
		SessionID:  uuid.NewString(),
		UserID:     user.UserID,
		SecretHash: hashSecret(secret),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.RefreshTTL),
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}
	if err := s.sessions.Create(ctx, sess, s.cfg.RefreshTTL); err != nil {
		return nil, apperr.Dependency(fmt.Errorf("failed to create session: %w", err))
	}

	return s.pair(user, sess.SessionID, secret, now)
}

func (s *TokenService) pair(user *models.User, sessionID, secret string, now time.Time) (*models.TokenPair, error) {
	accessExp := now.Add(s.cfg.AccessTTL)
	claims := Claims{
		Role:      user.Role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			Issuer:    s.cfg.Issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.signKey)
	if err != nil {
		return nil, apperr.ErrInternal.WithCause(fmt.Errorf("failed to sign access token: %w", err))
	}

	return &models.TokenPair{
		AccessToken:      signed,
		RefreshToken:     sessionID + "." + secret,
		TokenType:        "Bearer",
		ExpiresIn:        int(s.cfg.AccessTTL.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: now.Add(s.cfg.RefreshTTL),
	}, nil
}

// Verify checks signature, issuer and expiry of an access token
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return s.verifyKey, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperr.ErrUnauthenticated.WithDetail("access token expired")
	case err != nil || !token.Valid:
		return nil, apperr.ErrUnauthenticated.WithDetail("invalid access token")
	case claims.Subject == "" || !claims.Role.Valid():
		return nil, apperr.ErrUnauthenticated.WithDetail("invalid access token")
	}
	return claims, nil
}

// Refresh rotates the session secret and returns a pair whose role comes from the
// live user record. Presenting an already-rotated secret revokes the session.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*models.TokenPair, *models.User, error) {
	sessionID, secret, ok := splitRefreshToken(refreshToken)
	if !ok {
		return nil, nil, apperr.ErrUnauthenticated.WithDetail("malformed refresh token")
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, nil, apperr.ErrUnauthenticated.WithDetail("refresh token revoked")
	}
	if err != nil {
		return nil, nil, apperr.Dependency(fmt.Errorf("failed to load session: %w", err))
	}

	now := s.clock.Now().UTC()
	if now.After(sess.ExpiresAt) {
		_ = s.sessions.Delete(ctx, sessionID)
		return nil, nil, apperr.ErrUnauthenticated.WithDetail("refresh token expired")
	}

	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil || user.IsDeleted || user.IsLocked(now) {
		_ = s.sessions.Delete(ctx, sessionID)
		return nil, nil, apperr.ErrUnauthenticated.WithDetail("account is not active")
	}

	newSecret, err := newRefreshSecret()
	if err != nil {
		return nil, nil, apperr.ErrInternal.WithCause(err)
	}
	err = s.sessions.Rotate(ctx, sessionID, hashSecret(secret), hashSecret(newSecret), now, s.cfg.RefreshTTL)
	switch {
	case errors.Is(err, repository.ErrSessionReplay):
		s.logger.Warn("Refresh token reuse detected, session revoked",
			util.String("session_id", sessionID),
			util.String("user_id", sess.UserID),
			util.String("ip", meta.IP),
		)
		return nil, nil, apperr.ErrUnauthenticated.WithDetail("refresh token revoked")
	case errors.Is(err, repository.ErrSessionNotFound):
		return nil, nil, apperr.ErrUnauthenticated.WithDetail("refresh token revoked")
	case err != nil:
		return nil, nil, apperr.Dependency(fmt.Errorf("failed to rotate session: %w", err))
	}

	pair, err := s.pair(user, sessionID, newSecret, now)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Revoke ends the session behind a refresh token. Unknown sessions are not an error.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) (string, error) {
	sessionID, _, ok := splitRefreshToken(refreshToken)
	if !ok {
		return "", apperr.ErrUnauthenticated.WithDetail("malformed refresh token")
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Dependency(err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return "", apperr.Dependency(err)
	}
	return sess.UserID, nil
}

// RevokeUser ends every session of a user
func (s *TokenService) RevokeUser(ctx context.Context, userID string) error {
	if err := s.sessions.DeleteByUser(ctx, userID); err != nil {
		return apperr.Dependency(fmt.Errorf("failed to revoke sessions: %w", err))
	}
	return nil
}

func newRefreshSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func splitRefreshToken(token string) (sessionID, secret string, ok bool) {
	sessionID, secret, ok = strings.Cut(strings.TrimSpace(token), ".")
	if !ok || sessionID == "" || secret == "" {
		return "", "", false
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", "", false
	}
	return sessionID, secret, true
}
