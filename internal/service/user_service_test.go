package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/bucketing"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/encryption"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository/memory"
)

func TestLiveUsers_SeeChangesMadeByAnotherReplica(t *testing.T) {
	cfg := testConfig()
	cfg.Security.UserCacheTTL = time.Minute
	repo := memory.NewUserRepository()
	clk := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	newReplica := func() *UserService {
		return NewUserService(repo, repo, nil,
			hashing.NewHasher(cfg),
			encryption.NewEncryptionManager(cfg, nil),
			bucketing.NewBucketingManager(cfg),
			cfg, clk)
	}
	replicaA, replicaB := newReplica(), newReplica()
	ctx := context.Background()

	user, err := replicaA.CreateUser(ctx, &UserCreateRequest{
		Name:     "Asha",
		Target:   mustPhone(t, "+919876543210"),
		Password: "correct horse",
		Role:     models.RoleArtisan,
	})
	require.NoError(t, err)

	// warm replica B's cache
	cached, err := replicaB.GetByID(ctx, user.UserID)
	require.NoError(t, err)
	require.Equal(t, models.RoleArtisan, cached.Role)

	_, err = replicaA.SetRole(ctx, user.UserID, models.RoleCustomer)
	require.NoError(t, err)

	live, err := replicaB.Live().GetByID(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleCustomer, live.Role)

	require.NoError(t, replicaA.DeleteUser(ctx, user.UserID))
	_, err = replicaB.Live().GetByID(ctx, user.UserID)
	assert.Equal(t, apperr.KindNotFound, apperr.From(err).Kind)
}
