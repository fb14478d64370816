package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/util"
)

// ClickHouseClient writes security events into the analytics table
type ClickHouseClient struct {
	conn     driver.Conn
	database string
	mu       sync.RWMutex
}

func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	addr, secure, err := clickhouseAddr(chConfig.URL)
	if err != nil {
		return nil, err
	}

	opts := &ch.Options{
		Addr: []string{addr},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     chConfig.MaxOpenConns,
		MaxIdleConns:     chConfig.MaxOpenConns / 2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if secure || cfg.IsProduction() {
		tlsConfig, err := clickhouseTLS(addr, chConfig.CAFile)
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("addr", addr),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)
	return &ClickHouseClient{conn: conn, database: chConfig.Database}, nil
}

// clickhouseAddr turns CLICKHOUSE_URL into host:port. A bare host gets the
// native port, 9440 when the scheme is https.
func clickhouseAddr(raw string) (string, bool, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("invalid ClickHouse URL %q", raw)
	}
	secure := u.Scheme == "https"
	if u.Port() != "" {
		return u.Host, secure, nil
	}
	port := "9000"
	if secure {
		port = "9440"
	}
	return net.JoinHostPort(u.Hostname(), port), secure, nil
}

func clickhouseTLS(addr, caFile string) (*tls.Config, error) {
	host, _, _ := net.SplitHostPort(addr)
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	if caFile == "" {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// BatchInsert appends every row to one prepared batch and sends it
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range data {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	return batch.Send()
}

// EnsureAuditTable creates the security event table used by the audit sink
func (c *ClickHouseClient) EnsureAuditTable(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.conn.Exec(ctx, AuditTableDDL); err != nil {
		return fmt.Errorf("failed to create security_events in %s: %w", c.database, err)
	}
	return nil
}

// AuditTableDDL partitions security events by month and orders them by bucket then time
const AuditTableDDL = `CREATE TABLE IF NOT EXISTS security_events (
	event_id String,
	event_bucket Int32,
	event_date Date,
	event_time DateTime64(3),
	actor_id String,
	actor_role LowCardinality(String),
	action LowCardinality(String),
	resource LowCardinality(String),
	resource_id String,
	outcome LowCardinality(String),
	reason String,
	stage LowCardinality(String),
	ip_address String,
	request_id String,
	method LowCardinality(String),
	path String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_bucket, event_time)`

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	c.conn = nil
	util.Info("ClickHouse connection closed")
	return nil
}
