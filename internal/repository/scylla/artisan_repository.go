package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"marketplace-auth/internal/encryption"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
)

const payoutPurpose = "payout"

// ArtisanRepository stores artisan profiles; payout accounts are envelope encrypted
type ArtisanRepository struct {
	client    *ScyllaClient
	encryptor *encryption.EncryptionManager
}

func NewArtisanRepository(client *ScyllaClient, encryptor *encryption.EncryptionManager) *ArtisanRepository {
	return &ArtisanRepository{client: client, encryptor: encryptor}
}

func (r *ArtisanRepository) Create(ctx context.Context, p *models.ArtisanProfile) error {
	applied, err := r.client.Query(ctx, r.client.Statements.ClaimArtisanOwner, p.OwnerID, p.ID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim artisan owner: %w", err)
	}
	if !applied {
		return repository.ErrArtisanExists
	}
	return r.write(ctx, r.client.Statements.InsertArtisan, p)
}

func (r *ArtisanRepository) write(ctx context.Context, stmt string, p *models.ArtisanProfile) error {
	payout, err := r.encryptor.Seal(ctx, p.PayoutAccount, payoutPurpose)
	if err != nil {
		return err
	}
	q := r.client.Query(ctx, stmt, p.ID, p.OwnerID, p.DisplayName, p.Bio, payout, p.CreatedAt, p.UpdatedAt)
	if err := r.client.ExecuteWithRetry(q); err != nil {
		return fmt.Errorf("failed to write artisan profile: %w", err)
	}
	return nil
}

func (r *ArtisanRepository) Get(ctx context.Context, id string) (*models.ArtisanProfile, error) {
	p := &models.ArtisanProfile{}
	var payout []byte
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.GetArtisan, id),
		&p.ID, &p.OwnerID, &p.DisplayName, &p.Bio, &payout, &p.CreatedAt, &p.UpdatedAt)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrArtisanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artisan profile: %w", err)
	}
	if p.PayoutAccount, err = r.encryptor.Open(ctx, payout, payoutPurpose); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *ArtisanRepository) Update(ctx context.Context, p *models.ArtisanProfile) error {
	payout, err := r.encryptor.Seal(ctx, p.PayoutAccount, payoutPurpose)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.UpdatedAt = &now
	applied, err := r.client.Query(ctx, r.client.Statements.UpdateArtisan,
		p.DisplayName, p.Bio, payout, p.UpdatedAt, p.ID).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to update artisan profile: %w", err)
	}
	if !applied {
		return repository.ErrArtisanNotFound
	}
	return nil
}
