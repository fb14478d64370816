package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/models"
)

var (
	asha     = TargetInput{Phone: "+91 98765 43210"}
	ashaMeta = ClientMeta{IP: "203.0.113.7", RequestID: "req-1"}
)

func register(t *testing.T, env *testEnv) *RegisterResult {
	t.Helper()
	res, err := env.factory.AuthService().Register(context.Background(), RegisterRequest{
		TargetInput: asha,
		Name:        "Asha",
		Password:    "correct horse",
		Role:        models.RoleArtisan,
	}, ashaMeta)
	require.NoError(t, err)
	return res
}

func TestAuth_RegisterVerifyLogin(t *testing.T) {
	env := newTestEnv(t)
	auth := env.factory.AuthService()
	ctx := context.Background()

	res := register(t, env)
	assert.True(t, res.OTPSent)
	assert.Equal(t, 1, env.gateway.count())
	assert.False(t, res.User.IsPhoneVerified)

	_, err := auth.Login(ctx, LoginRequest{TargetInput: asha, Password: "correct horse"}, ashaMeta)
	assert.Equal(t, apperr.KindVerificationRequired, apperr.From(err).Kind)

	verified, err := auth.VerifyOTP(ctx, asha, env.gateway.last(), ashaMeta)
	require.NoError(t, err)
	assert.True(t, verified.User.IsPhoneVerified)
	assert.False(t, verified.AlreadyVerified)
	require.NotNil(t, verified.Tokens)

	again, err := auth.VerifyOTP(ctx, asha, env.gateway.last(), ashaMeta)
	require.NoError(t, err)
	assert.True(t, again.AlreadyVerified)

	loggedIn, err := auth.Login(ctx, LoginRequest{TargetInput: asha, Password: "correct horse"}, ashaMeta)
	require.NoError(t, err)
	require.NotNil(t, loggedIn.User.LastLogin)

	require.NoError(t, auth.Logout(ctx, loggedIn.Tokens.RefreshToken, ashaMeta))
	_, err = auth.Refresh(ctx, loggedIn.Tokens.RefreshToken, ashaMeta)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.From(err).Kind)

	assert.Equal(t, []string{
		"auth.register:allowed",
		"auth.login:denied",
		"auth.verify_otp:allowed",
		"auth.verify_otp:allowed",
		"auth.login:allowed",
		"auth.logout:allowed",
		"auth.refresh:denied",
	}, env.recorder.actions())
}

func TestAuth_DuplicateRegistration(t *testing.T) {
	env := newTestEnv(t)
	register(t, env)

	_, err := env.factory.AuthService().Register(context.Background(), RegisterRequest{
		TargetInput: TargetInput{Phone: "9876543210"},
		Name:        "Someone Else",
		Password:    "another password",
		Role:        models.RoleCustomer,
	}, ClientMeta{IP: "198.51.100.1"})
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindDuplicateTarget, appErr.Kind)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
}

func TestAuth_RegisterRejectsPrivilegedRole(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.factory.AuthService().Register(context.Background(), RegisterRequest{
		TargetInput: asha,
		Name:        "Mallory",
		Password:    "correct horse",
		Role:        models.RoleAdmin,
	}, ashaMeta)
	assert.Equal(t, apperr.KindValidation, apperr.From(err).Kind)
}

func TestAuth_RegisterSucceedsWhenDeliveryFails(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.fail = errGatewayDown

	res := register(t, env)
	assert.False(t, res.OTPSent)
	require.NotNil(t, res.User)
}

func TestAuth_SendOTPUnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.factory.AuthService().SendOTP(context.Background(), TargetInput{Email: "nobody@example.com"}, ashaMeta)
	assert.Equal(t, apperr.KindNotFound, apperr.From(err).Kind)
	assert.Equal(t, 0, env.gateway.count())
}

func TestAuth_SendOTPRespectsCooldown(t *testing.T) {
	env := newTestEnv(t)
	register(t, env)

	_, err := env.factory.AuthService().ResendOTP(context.Background(), asha, ashaMeta)
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindCooldown, appErr.Kind)
	assert.Equal(t, 60, appErr.RetryAfterSeconds())
	assert.Equal(t, 1, env.gateway.count())
}

func TestAuth_VerifyRejectsNonNumericCode(t *testing.T) {
	env := newTestEnv(t)
	register(t, env)
	_, err := env.factory.AuthService().VerifyOTP(context.Background(), asha, "12ab56", ashaMeta)
	assert.Equal(t, apperr.KindValidation, apperr.From(err).Kind)
}

func TestAuth_LoginRehashesStalePasswordHash(t *testing.T) {
	env := newTestEnv(t)
	auth := env.factory.AuthService()
	ctx := context.Background()

	register(t, env)
	_, err := auth.VerifyOTP(ctx, asha, env.gateway.last(), ashaMeta)
	require.NoError(t, err)

	env.hasher.AddPepper(2, "rotated-pepper", true)

	first, err := auth.Login(ctx, LoginRequest{TargetInput: asha, Password: "correct horse"}, ashaMeta)
	require.NoError(t, err)
	assert.False(t, env.hasher.NeedsRehash(first.User.PasswordHash))

	_, err = auth.Login(ctx, LoginRequest{TargetInput: asha, Password: "correct horse"}, ashaMeta)
	require.NoError(t, err)
}

func TestAuth_LoginLocksAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Security.LoginMaxFailures = 3 })
	auth := env.factory.AuthService()
	ctx := context.Background()
	register(t, env)

	for i := 0; i < 3; i++ {
		_, err := auth.Login(ctx, LoginRequest{TargetInput: asha, Password: "wrong password"}, ashaMeta)
		appErr := apperr.From(err)
		assert.Equal(t, apperr.KindUnauthenticated, appErr.Kind)
		assert.Equal(t, "invalid credentials", appErr.Detail)
	}

	_, err := auth.Login(ctx, LoginRequest{TargetInput: asha, Password: "correct horse"}, ashaMeta)
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindAccountLocked, appErr.Kind)
	assert.Equal(t, http.StatusLocked, appErr.HTTPStatus)
	assert.Equal(t, 15*60, appErr.RetryAfterSeconds())
}

func TestAuth_LoginDoesNotRevealUnknownAccounts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.factory.AuthService().Login(context.Background(),
		LoginRequest{TargetInput: TargetInput{Email: "ghost@example.com"}, Password: "whatever1"}, ashaMeta)
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindUnauthenticated, appErr.Kind)
	assert.Equal(t, "invalid credentials", appErr.Detail)
}

func TestAuth_OTPStatus(t *testing.T) {
	env := newTestEnv(t)
	register(t, env)

	view, err := env.factory.AuthService().OTPStatus(context.Background(), asha, ashaMeta)
	require.NoError(t, err)
	assert.True(t, view.Exists)
	assert.Equal(t, models.OTPStatusPending, view.Status)
	assert.Equal(t, 5, view.AttemptsRemaining)
}
