package memory

import (
	"context"
	"sync"

	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
)

type ArtisanRepository struct {
	mu      sync.RWMutex
	byID    map[string]*models.ArtisanProfile
	byOwner map[string]string
}

func NewArtisanRepository() *ArtisanRepository {
	return &ArtisanRepository{
		byID:    make(map[string]*models.ArtisanProfile),
		byOwner: make(map[string]string),
	}
}

func (r *ArtisanRepository) Create(ctx context.Context, profile *models.ArtisanProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byOwner[profile.OwnerID]; ok {
		return repository.ErrArtisanExists
	}
	cp := *profile
	r.byID[profile.ID] = &cp
	r.byOwner[profile.OwnerID] = profile.ID
	return nil
}

func (r *ArtisanRepository) Get(ctx context.Context, id string) (*models.ArtisanProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrArtisanNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *ArtisanRepository) Update(ctx context.Context, profile *models.ArtisanProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[profile.ID]; !ok {
		return repository.ErrArtisanNotFound
	}
	cp := *profile
	r.byID[profile.ID] = &cp
	return nil
}
