package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
	"marketplace-auth/internal/util"
)

// OTPStore keeps OTP records in otp_records. The version column guards every
// write through a lightweight transaction, so concurrent verifications for the
// same target serialise at the Paxos round rather than in the application.
type OTPStore struct {
	client *ScyllaClient
}

func NewOTPStore(client *ScyllaClient) *OTPStore {
	return &OTPStore{client: client}
}

func (s *OTPStore) Get(ctx context.Context, targetHash string) (*models.OTPRecord, error) {
	rec := &models.OTPRecord{TargetHash: targetHash}
	var status string
	// serial read so a committed compare-and-swap is always visible
	q := s.client.Query(ctx, s.client.Statements.GetOTPRecord, targetHash).Consistency(gocql.Consistency(gocql.LocalSerial))
	err := s.client.ScanWithRetry(q,
		&rec.TargetKind, &rec.CodeHash, &rec.CreatedAt, &rec.ExpiresAt, &rec.LastSentAt,
		&rec.AttemptsRemaining, &rec.MaxAttempts, &status, &rec.SendCount, &rec.VerifiedAt, &rec.Version)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load otp record: %w", err)
	}
	rec.Status = models.OTPStatus(status)
	return rec, nil
}

func (s *OTPStore) CompareAndSwap(ctx context.Context, rec *models.OTPRecord, expectedVersion int64, ttl time.Duration) error {
	ttlSeconds := int(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	next := expectedVersion + 1

	var q *gocql.Query
	if expectedVersion == 0 {
		q = s.client.Query(ctx, s.client.Statements.InsertOTPRecord,
			rec.TargetHash, rec.TargetKind, rec.CodeHash, rec.CreatedAt, rec.ExpiresAt, rec.LastSentAt,
			rec.AttemptsRemaining, rec.MaxAttempts, string(rec.Status), rec.SendCount, rec.VerifiedAt,
			next, ttlSeconds)
	} else {
		q = s.client.Query(ctx, s.client.Statements.UpdateOTPRecord,
			ttlSeconds, rec.TargetKind, rec.CodeHash, rec.CreatedAt, rec.ExpiresAt, rec.LastSentAt,
			rec.AttemptsRemaining, rec.MaxAttempts, string(rec.Status), rec.SendCount, rec.VerifiedAt,
			next, rec.TargetHash, expectedVersion)
	}

	applied, err := q.SerialConsistency(gocql.LocalSerial).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("OTP compare-and-swap failed", zap.String("target_hash", rec.TargetHash), zap.Error(err))
		return fmt.Errorf("failed to swap otp record: %w", err)
	}
	if !applied {
		return repository.ErrVersionConflict
	}
	rec.Version = next
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, targetHash string) error {
	if err := s.client.ExecuteWithRetry(s.client.Query(ctx, s.client.Statements.DeleteOTPRecord, targetHash)); err != nil {
		return fmt.Errorf("failed to delete otp record: %w", err)
	}
	return nil
}
