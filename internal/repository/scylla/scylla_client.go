package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and caches
// each statement on first use per host.
type Statements struct {
	InsertUser        string
	ClaimTarget       string
	ReleaseTarget     string
	GetUserByID       string
	GetUserIDByTarget string
	UpdateUserCAS     string
	GetOTPRecord      string
	InsertOTPRecord   string
	UpdateOTPRecord   string
	DeleteOTPRecord   string
	ClaimArtisanOwner string
	InsertArtisan     string
	GetArtisan        string
	UpdateArtisan     string
	GetPreferences    string
	UpsertPreferences string
}

// Schema is applied by EnsureSchema in development and by migrations elsewhere
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_bucket int, user_id text, name text, role text,
		phone_hash text, phone_encrypted blob, email_hash text, email_encrypted blob,
		password_hash text, is_phone_verified boolean, is_email_verified boolean,
		is_identity_verified boolean, identity_verified_by text,
		failed_login_count int, locked_until timestamp, is_deleted boolean,
		created_at timestamp, updated_at timestamp, last_login timestamp, version bigint,
		PRIMARY KEY ((user_bucket), user_id))`,
	`CREATE TABLE IF NOT EXISTS user_by_target (
		target_hash text PRIMARY KEY, user_id text, user_bucket int, created_at timestamp)`,
	`CREATE TABLE IF NOT EXISTS otp_records (
		target_hash text PRIMARY KEY, target_kind text, code_hash text,
		created_at timestamp, expires_at timestamp, last_sent_at timestamp,
		attempts_remaining int, max_attempts int, status text, send_count int,
		verified_at timestamp, version bigint)`,
	`CREATE TABLE IF NOT EXISTS artisan_by_owner (owner_id text PRIMARY KEY, artisan_id text)`,
	`CREATE TABLE IF NOT EXISTS artisan_profiles (
		artisan_id text PRIMARY KEY, owner_id text, display_name text, bio text,
		payout_account blob, created_at timestamp, updated_at timestamp)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id text PRIMARY KEY, language text, marketing_ok boolean,
		extra map<text, text>, updated_at timestamp)`,
}

const userColumns = `user_bucket, user_id, name, role, phone_hash, phone_encrypted, email_hash,
	email_encrypted, password_hash, is_phone_verified, is_email_verified, is_identity_verified,
	identity_verified_by, failed_login_count, locked_until, is_deleted, created_at, updated_at,
	last_login, version`

const otpColumns = `target_kind, code_hash, created_at, expires_at, last_sent_at, attempts_remaining,
	max_attempts, status, send_count, verified_at`

type ScyllaClient struct {
	Session    *gocql.Session
	Statements *Statements
	maxRetries int
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.TLSEnabled {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		Statements: buildStatements(),
		maxRetries: 2,
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func buildStatements() *Statements {
	return &Statements{
		InsertUser: `INSERT INTO users (` + userColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		ClaimTarget: `INSERT INTO user_by_target (target_hash, user_id, user_bucket, created_at)
			VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		ReleaseTarget: `DELETE FROM user_by_target WHERE target_hash = ? IF user_id = ?`,
		GetUserByID: `SELECT ` + userColumns + ` FROM users WHERE user_bucket = ? AND user_id = ?`,
		GetUserIDByTarget: `SELECT user_id, user_bucket FROM user_by_target WHERE target_hash = ?`,
		UpdateUserCAS: `UPDATE users SET name = ?, role = ?, password_hash = ?,
			is_phone_verified = ?, is_email_verified = ?, is_identity_verified = ?,
			identity_verified_by = ?, failed_login_count = ?, locked_until = ?, is_deleted = ?,
			updated_at = ?, last_login = ?, version = ?
			WHERE user_bucket = ? AND user_id = ? IF version = ?`,
		GetOTPRecord: `SELECT ` + otpColumns + `, version FROM otp_records WHERE target_hash = ?`,
		InsertOTPRecord: `INSERT INTO otp_records (target_hash, ` + otpColumns + `, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
		UpdateOTPRecord: `UPDATE otp_records USING TTL ? SET target_kind = ?, code_hash = ?,
			created_at = ?, expires_at = ?, last_sent_at = ?, attempts_remaining = ?,
			max_attempts = ?, status = ?, send_count = ?, verified_at = ?, version = ?
			WHERE target_hash = ? IF version = ?`,
		DeleteOTPRecord: `DELETE FROM otp_records WHERE target_hash = ?`,
		ClaimArtisanOwner: `INSERT INTO artisan_by_owner (owner_id, artisan_id) VALUES (?, ?) IF NOT EXISTS`,
		InsertArtisan: `INSERT INTO artisan_profiles (artisan_id, owner_id, display_name, bio,
			payout_account, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		GetArtisan: `SELECT artisan_id, owner_id, display_name, bio, payout_account, created_at, updated_at
			FROM artisan_profiles WHERE artisan_id = ?`,
		UpdateArtisan: `UPDATE artisan_profiles SET display_name = ?, bio = ?, payout_account = ?, updated_at = ?
			WHERE artisan_id = ? IF EXISTS`,
		GetPreferences: `SELECT user_id, language, marketing_ok, extra, updated_at
			FROM user_preferences WHERE user_id = ?`,
		UpsertPreferences: `INSERT INTO user_preferences (user_id, language, marketing_ok, extra, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
	}
}

// EnsureSchema creates the tables when they do not exist
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("tables", len(Schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries idempotent writes. Conditional (LWT) statements must not go through here.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query) error {
	var lastErr error
	for i := 0; i <= s.maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < s.maxRetries && query.Context().Err() == nil {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
			break
		}
		return nil
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i <= s.maxRetries; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < s.maxRetries && query.Context().Err() == nil {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
