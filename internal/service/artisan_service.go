package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
)

type ArtisanInput struct {
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
}

// ArtisanService manages artisan storefront profiles. Ownership is enforced by the
// authorization pipeline before these methods run.
type ArtisanService struct {
	repo  repository.ArtisanRepository
	clock clock.Clock
}

func NewArtisanService(repo repository.ArtisanRepository, clk clock.Clock) *ArtisanService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ArtisanService{repo: repo, clock: clk}
}

func (s *ArtisanService) Create(ctx context.Context, ownerID string, in ArtisanInput) (*models.ArtisanProfile, error) {
	if err := validateArtisanInput(in); err != nil {
		return nil, err
	}
	profile := &models.ArtisanProfile{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Bio:         strings.TrimSpace(in.Bio),
		CreatedAt:   s.clock.Now().UTC(),
	}
	if err := s.repo.Create(ctx, profile); err != nil {
		if errors.Is(err, repository.ErrArtisanExists) {
			return nil, apperr.ErrConflict.WithDetail("an artisan profile already exists for this account")
		}
		return nil, apperr.Dependency(fmt.Errorf("failed to create artisan profile: %w", err))
	}
	return profile, nil
}

func (s *ArtisanService) Get(ctx context.Context, id string) (*models.ArtisanProfile, error) {
	profile, err := s.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrArtisanNotFound) {
		return nil, apperr.ErrNotFound.WithDetail("artisan profile not found")
	}
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("failed to load artisan profile: %w", err))
	}
	return profile, nil
}

// OwnerOf resolves the owning user for the ownership stage
func (s *ArtisanService) OwnerOf(ctx context.Context, id string) (string, error) {
	profile, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return profile.OwnerID, nil
}

func (s *ArtisanService) Update(ctx context.Context, id string, in ArtisanInput) (*models.ArtisanProfile, error) {
	if err := validateArtisanInput(in); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(p *models.ArtisanProfile) {
		p.DisplayName = strings.TrimSpace(in.DisplayName)
		p.Bio = strings.TrimSpace(in.Bio)
	})
}

func (s *ArtisanService) SetPayout(ctx context.Context, id, account string) (*models.ArtisanProfile, error) {
	account = strings.TrimSpace(account)
	if len(account) < 6 || len(account) > 34 {
		return nil, apperr.ErrValidation.WithDetail("payout account must be 6 to 34 characters")
	}
	return s.mutate(ctx, id, func(p *models.ArtisanProfile) {
		p.PayoutAccount = account
	})
}

func (s *ArtisanService) mutate(ctx context.Context, id string, apply func(*models.ArtisanProfile)) (*models.ArtisanProfile, error) {
	profile, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	apply(profile)
	now := s.clock.Now().UTC()
	profile.UpdatedAt = &now
	if err := s.repo.Update(ctx, profile); err != nil {
		if errors.Is(err, repository.ErrArtisanNotFound) {
			return nil, apperr.ErrNotFound.WithDetail("artisan profile not found")
		}
		return nil, apperr.Dependency(fmt.Errorf("failed to update artisan profile: %w", err))
	}
	return profile, nil
}

// MaskedPayout returns the profile with only the last four payout characters visible
func MaskedPayout(p *models.ArtisanProfile) *models.ArtisanProfile {
	cp := *p
	if n := len(cp.PayoutAccount); n > 4 {
		cp.PayoutAccount = strings.Repeat("*", n-4) + cp.PayoutAccount[n-4:]
	}
	return &cp
}

func validateArtisanInput(in ArtisanInput) error {
	name := strings.TrimSpace(in.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > 80 {
		return apperr.ErrValidation.WithDetail("displayName is required and must be at most 80 characters")
	}
	if utf8.RuneCountInString(in.Bio) > 2000 {
		return apperr.ErrValidation.WithDetail("bio must be at most 2000 characters")
	}
	return nil
}

