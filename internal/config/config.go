package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketplace-auth/internal/util"

	"github.com/joho/godotenv"
)

// Backend names for the swappable stores
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendScylla = "scylla"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Backends      BackendsConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	OTP           OTPConfig
	RateLimit     RateLimitConfig
	JWT           JWTConfig
	Security      SecurityConfig
	Notification  NotificationConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	RequireTLS   bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string

	// TrustedProxies may set X-Forwarded-For / X-Real-IP / X-Forwarded-Proto
	TrustedProxies []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// BackendsConfig selects the storage engine per concern
type BackendsConfig struct {
	OTP       string // memory | redis | scylla
	RateLimit string // memory | redis
	Sessions  string // memory | redis
	Users     string // memory | scylla
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int

	// client certificate material, read only for rediss:// URLs
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type ScyllaConfig struct {
	Nodes      []string
	Keyspace   string
	Username   string
	Password   string
	TLSEnabled bool
	CAPath     string
	CertPath   string
	KeyPath    string
}

type KafkaConfig struct {
	Brokers       []string
	DeliveryTopic string
	AuditTopic    string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL          string
	Username     string
	Password     string
	Database     string
	CAFile       string
	MaxOpenConns int
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int // KiB
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers maps version to secret; CurrentPepper selects the one used for new hashes
	Peppers       map[int]string
	CurrentPepper int
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type OTPConfig struct {
	TTL             time.Duration
	Cooldown        time.Duration
	MaxAttempts     int
	CodeLength      int
	GraceWindow     time.Duration
	StoreTimeout    time.Duration
	DeliveryTimeout time.Duration
	RetryBackoff    time.Duration
	ExposeCode      bool
	DefaultRegion   string
}

// RateLimitPolicy is the quota for a single scope
type RateLimitPolicy struct {
	Limit     int
	Window    time.Duration
	BaseBlock time.Duration
	MaxBlock  time.Duration
}

type RateLimitConfig struct {
	Policies map[string]RateLimitPolicy
}

type JWTConfig struct {
	SigningMethod string // hs256 | ed25519
	Secret        string
	PrivateKey    string // base64 ed25519 seed or private key
	PublicKey     string // base64 ed25519 public key
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Leeway        time.Duration
}

type SecurityConfig struct {
	MaxBodyBytes      int64
	DevKey            string
	LoginMaxFailures  int
	LoginLockDuration time.Duration
	UserCacheTTL      time.Duration
	AuditBufferSize   int
}

type NotificationConfig struct {
	SMS         string // log | kafka
	Email       string // log | smtp | kafka
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	SMTPFrom    string
	SMSTemplate string
}

type AuditConfig struct {
	Sinks      []string // log, memory, kafka, elasticsearch, clickhouse
	MemorySize int
}

var (
	current   *Config
	currentMu sync.RWMutex
)

// LoadConfig reads an optional .env file and the process environment
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		util.Debug("No .env file loaded", util.ErrorField(err))
	}

	cfg := Defaults()
	cfg.Environment = util.GetEnv("APP_ENV", cfg.Environment)

	cfg.Server = ServerConfig{
		Port:         util.GetEnvInt("SERVER_PORT", cfg.Server.Port),
		TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", cfg.Server.TLSPort),
		EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", cfg.Server.EnableTLS),
		RequireTLS:   util.GetEnvBool("SERVER_REQUIRE_TLS", cfg.Server.RequireTLS),
		AutoCert:     util.GetEnvBool("SERVER_AUTOCERT", cfg.Server.AutoCert),
		Domain:       util.GetEnv("SERVER_DOMAIN", cfg.Server.Domain),
		CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
		KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
		AutoCertDir:  util.GetEnv("SERVER_AUTOCERT_DIR", cfg.Server.AutoCertDir),
		Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
		ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout),
		WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout),
		IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", cfg.Server.IdleTimeout),
		CORSOrigins:  util.GetEnvSlice("SERVER_CORS_ORIGINS", cfg.Server.CORSOrigins),

		TrustedProxies: util.GetEnvSlice("SERVER_TRUSTED_PROXIES", nil),
	}

	cfg.Logging.Level = util.GetEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = util.GetEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Backends = BackendsConfig{
		OTP:       util.GetEnv("OTP_STORE_BACKEND", cfg.Backends.OTP),
		RateLimit: util.GetEnv("RATE_LIMIT_BACKEND", cfg.Backends.RateLimit),
		Sessions:  util.GetEnv("SESSION_STORE_BACKEND", cfg.Backends.Sessions),
		Users:     util.GetEnv("USER_STORE_BACKEND", cfg.Backends.Users),
	}

	cfg.Redis = RedisConfig{
		URL:      util.GetEnv("REDIS_URL", cfg.Redis.URL),
		Password: util.GetEnv("REDIS_PASSWORD", ""),
		DB:       util.GetEnvInt("REDIS_DB", cfg.Redis.DB),
		PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize),

		TLSCAFile:   util.GetEnv("REDIS_TLS_CA_FILE", ""),
		TLSCertFile: util.GetEnv("REDIS_TLS_CERT_FILE", ""),
		TLSKeyFile:  util.GetEnv("REDIS_TLS_KEY_FILE", ""),
	}

	cfg.Scylla = ScyllaConfig{
		Nodes:      util.GetEnvSlice("SCYLLA_NODES", cfg.Scylla.Nodes),
		Keyspace:   util.GetEnv("SCYLLA_KEYSPACE", cfg.Scylla.Keyspace),
		Username:   util.GetEnv("SCYLLA_USERNAME", ""),
		Password:   util.GetEnv("SCYLLA_PASSWORD", ""),
		TLSEnabled: util.GetEnvBool("SCYLLA_TLS", false),
		CAPath:     util.GetEnv("SCYLLA_CA_FILE", "/app/certs/ca.pem"),
		CertPath:   util.GetEnv("SCYLLA_CERT_FILE", "/app/certs/client.pem"),
		KeyPath:    util.GetEnv("SCYLLA_KEY_FILE", "/app/certs/client.key"),
	}

	cfg.Kafka = KafkaConfig{
		Brokers:       util.GetEnvSlice("KAFKA_BROKERS", cfg.Kafka.Brokers),
		DeliveryTopic: util.GetEnv("KAFKA_DELIVERY_TOPIC", cfg.Kafka.DeliveryTopic),
		AuditTopic:    util.GetEnv("KAFKA_AUDIT_TOPIC", cfg.Kafka.AuditTopic),
	}

	cfg.Elasticsearch = ElasticsearchConfig{
		URL:        util.GetEnv("ELASTICSEARCH_URL", cfg.Elasticsearch.URL),
		Username:   util.GetEnv("ELASTICSEARCH_USERNAME", ""),
		Password:   util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
		AuditIndex: util.GetEnv("ELASTICSEARCH_AUDIT_INDEX", cfg.Elasticsearch.AuditIndex),
	}

	cfg.Clickhouse = ClickhouseConfig{
		URL:      util.GetEnv("CLICKHOUSE_URL", cfg.Clickhouse.URL),
		Username: util.GetEnv("CLICKHOUSE_USERNAME", cfg.Clickhouse.Username),
		Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
		Database: util.GetEnv("CLICKHOUSE_DATABASE", cfg.Clickhouse.Database),
		CAFile:   util.GetEnv("CLICKHOUSE_CA_FILE", ""),

		MaxOpenConns: util.GetEnvInt("CLICKHOUSE_MAX_OPEN_CONNS", cfg.Clickhouse.MaxOpenConns),
	}

	cfg.KMS = KMSConfig{
		Enabled: util.GetEnvBool("KMS_ENABLED", false),
		KeyID:   util.GetEnv("KMS_KEY_ID", ""),
		Region:  util.GetEnv("KMS_REGION", "ap-south-1"),
	}

	cfg.Hashing.Argon2MemoryCost = util.GetEnvInt("ARGON2_MEMORY_KIB", cfg.Hashing.Argon2MemoryCost)
	cfg.Hashing.Argon2TimeCost = util.GetEnvInt("ARGON2_TIME_COST", cfg.Hashing.Argon2TimeCost)
	cfg.Hashing.Argon2Parallelism = util.GetEnvInt("ARGON2_PARALLELISM", cfg.Hashing.Argon2Parallelism)
	if peppers := parsePeppers(util.GetEnv("HASH_PEPPERS", "")); len(peppers) > 0 {
		cfg.Hashing.Peppers = peppers
	}
	cfg.Hashing.CurrentPepper = util.GetEnvInt("HASH_PEPPER_CURRENT", cfg.Hashing.CurrentPepper)

	cfg.Bucketing.UserBuckets = util.GetEnvInt("USER_BUCKETS", cfg.Bucketing.UserBuckets)
	cfg.Bucketing.EventBuckets = util.GetEnvInt("EVENT_BUCKETS", cfg.Bucketing.EventBuckets)

	cfg.OTP = OTPConfig{
		TTL:             util.GetEnvDuration("OTP_TTL", cfg.OTP.TTL),
		Cooldown:        util.GetEnvDuration("OTP_COOLDOWN", cfg.OTP.Cooldown),
		MaxAttempts:     util.GetEnvInt("OTP_MAX_ATTEMPTS", cfg.OTP.MaxAttempts),
		CodeLength:      util.GetEnvInt("OTP_CODE_LENGTH", cfg.OTP.CodeLength),
		GraceWindow:     util.GetEnvDuration("OTP_GRACE_WINDOW", cfg.OTP.GraceWindow),
		StoreTimeout:    util.GetEnvDuration("OTP_STORE_TIMEOUT", cfg.OTP.StoreTimeout),
		DeliveryTimeout: util.GetEnvDuration("OTP_DELIVERY_TIMEOUT", cfg.OTP.DeliveryTimeout),
		RetryBackoff:    util.GetEnvDuration("OTP_RETRY_BACKOFF", cfg.OTP.RetryBackoff),
		ExposeCode:      util.GetEnvBool("OTP_EXPOSE_CODE", cfg.OTP.ExposeCode),
		DefaultRegion:   util.GetEnv("OTP_DEFAULT_REGION", cfg.OTP.DefaultRegion),
	}

	for scope, policy := range cfg.RateLimit.Policies {
		prefix := "RATE_LIMIT_" + strings.ToUpper(strings.ReplaceAll(scope, "-", "_"))
		policy.Limit = util.GetEnvInt(prefix+"_LIMIT", policy.Limit)
		policy.Window = util.GetEnvDuration(prefix+"_WINDOW", policy.Window)
		policy.BaseBlock = util.GetEnvDuration(prefix+"_BLOCK", policy.BaseBlock)
		policy.MaxBlock = util.GetEnvDuration(prefix+"_MAX_BLOCK", policy.MaxBlock)
		cfg.RateLimit.Policies[scope] = policy
	}

	cfg.JWT = JWTConfig{
		SigningMethod: util.GetEnv("JWT_SIGNING_METHOD", cfg.JWT.SigningMethod),
		Secret:        util.GetEnv("JWT_SECRET", ""),
		PrivateKey:    util.GetEnv("JWT_PRIVATE_KEY", ""),
		PublicKey:     util.GetEnv("JWT_PUBLIC_KEY", ""),
		Issuer:        util.GetEnv("JWT_ISSUER", cfg.JWT.Issuer),
		AccessTTL:     util.GetEnvDuration("JWT_ACCESS_TTL", cfg.JWT.AccessTTL),
		RefreshTTL:    util.GetEnvDuration("JWT_REFRESH_TTL", cfg.JWT.RefreshTTL),
		Leeway:        util.GetEnvDuration("JWT_LEEWAY", cfg.JWT.Leeway),
	}

	cfg.Security = SecurityConfig{
		MaxBodyBytes:      int64(util.GetEnvInt("SECURITY_MAX_BODY_BYTES", int(cfg.Security.MaxBodyBytes))),
		DevKey:            util.GetEnv("DEV_DIAGNOSTICS_KEY", ""),
		LoginMaxFailures:  util.GetEnvInt("LOGIN_MAX_FAILURES", cfg.Security.LoginMaxFailures),
		LoginLockDuration: util.GetEnvDuration("LOGIN_LOCK_DURATION", cfg.Security.LoginLockDuration),
		UserCacheTTL:      util.GetEnvDuration("USER_CACHE_TTL", cfg.Security.UserCacheTTL),
		AuditBufferSize:   util.GetEnvInt("AUDIT_BUFFER_SIZE", cfg.Security.AuditBufferSize),
	}

	cfg.Notification = NotificationConfig{
		SMS:         util.GetEnv("NOTIFY_SMS", cfg.Notification.SMS),
		Email:       util.GetEnv("NOTIFY_EMAIL", cfg.Notification.Email),
		SMTPHost:    util.GetEnv("SMTP_HOST", ""),
		SMTPPort:    util.GetEnvInt("SMTP_PORT", cfg.Notification.SMTPPort),
		SMTPUser:    util.GetEnv("SMTP_USERNAME", ""),
		SMTPPass:    util.GetEnv("SMTP_PASSWORD", ""),
		SMTPFrom:    util.GetEnv("SMTP_FROM", cfg.Notification.SMTPFrom),
		SMSTemplate: util.GetEnv("SMS_TEMPLATE", cfg.Notification.SMSTemplate),
	}

	cfg.Audit.Sinks = util.GetEnvSlice("AUDIT_SINKS", cfg.Audit.Sinks)
	cfg.Audit.MemorySize = util.GetEnvInt("AUDIT_MEMORY_SIZE", cfg.Audit.MemorySize)

	Set(cfg)
	return cfg
}

// Defaults returns a development configuration backed entirely by in-memory stores
func Defaults() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:         8080,
			TLSPort:      8443,
			AutoCertDir:  "/app/certs/autocert",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORSOrigins:  []string{"https://*"},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Backends: BackendsConfig{
			OTP:       BackendMemory,
			RateLimit: BackendMemory,
			Sessions:  BackendMemory,
			Users:     BackendMemory,
		},
		Redis:         RedisConfig{URL: "redis://localhost:6379/0", PoolSize: 50},
		Scylla:        ScyllaConfig{Nodes: []string{"127.0.0.1:9042"}, Keyspace: "marketplace_auth"},
		Kafka:         KafkaConfig{Brokers: []string{"localhost:9092"}, DeliveryTopic: "otp-delivery", AuditTopic: "security-audit"},
		Elasticsearch: ElasticsearchConfig{URL: "http://localhost:9200", AuditIndex: "security-audit"},
		Clickhouse:    ClickhouseConfig{URL: "http://localhost:9000", Username: "default", Database: "security", MaxOpenConns: 20},
		KMS:           KMSConfig{Region: "ap-south-1"},
		Hashing: HashingConfig{
			Argon2MemoryCost:  64 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 2,
		},
		Bucketing: BucketingConfig{UserBuckets: 256, EventBuckets: 64},
		OTP: OTPConfig{
			TTL:             10 * time.Minute,
			Cooldown:        60 * time.Second,
			MaxAttempts:     5,
			CodeLength:      6,
			GraceWindow:     time.Hour,
			StoreTimeout:    2 * time.Second,
			DeliveryTimeout: 5 * time.Second,
			RetryBackoff:    200 * time.Millisecond,
			DefaultRegion:   "IN",
		},
		RateLimit: RateLimitConfig{Policies: DefaultRateLimitPolicies()},
		JWT: JWTConfig{
			SigningMethod: "hs256",
			Issuer:        "marketplace-auth",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			Leeway:        30 * time.Second,
		},
		Security: SecurityConfig{
			MaxBodyBytes:      64 * 1024,
			LoginMaxFailures:  5,
			LoginLockDuration: 15 * time.Minute,
			UserCacheTTL:      30 * time.Second,
			AuditBufferSize:   1024,
		},
		Notification: NotificationConfig{
			SMS:         "log",
			Email:       "log",
			SMTPPort:    587,
			SMTPFrom:    "no-reply@marketplace.local",
			SMSTemplate: "%s is your verification code. It expires in 10 minutes.",
		},
		Audit: AuditConfig{Sinks: []string{"log", "memory"}, MemorySize: 5000},
	}
}

// DefaultRateLimitPolicies holds the per-scope quotas
func DefaultRateLimitPolicies() map[string]RateLimitPolicy {
	return map[string]RateLimitPolicy{
		"otp-send":      {Limit: 5, Window: time.Hour, BaseBlock: 0, MaxBlock: 0},
		"otp-verify":    {Limit: 20, Window: 15 * time.Minute, BaseBlock: time.Minute, MaxBlock: 30 * time.Minute},
		"login":         {Limit: 10, Window: 15 * time.Minute, BaseBlock: time.Minute, MaxBlock: time.Hour},
		"register":      {Limit: 10, Window: time.Hour},
		"generic":       {Limit: 300, Window: time.Minute},
		"authz-failure": {Limit: 20, Window: 10 * time.Minute, BaseBlock: 5 * time.Minute, MaxBlock: 2 * time.Hour},
	}
}

// Validate rejects configurations that are unsafe to run
func (c *Config) Validate() error {
	var errs []error

	if c.OTP.TTL <= 0 || c.OTP.Cooldown < 0 || c.OTP.MaxAttempts <= 0 {
		errs = append(errs, errors.New("otp ttl, cooldown and max attempts must be positive"))
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		errs = append(errs, fmt.Errorf("otp code length %d out of range 4-10", c.OTP.CodeLength))
	}
	for scope, policy := range c.RateLimit.Policies {
		if policy.Limit <= 0 || policy.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate limit %q needs a positive limit and window", scope))
		}
		if policy.BaseBlock < 0 || policy.MaxBlock < 0 {
			errs = append(errs, fmt.Errorf("rate limit %q block durations must not be negative", scope))
		}
	}
	switch c.JWT.SigningMethod {
	case "hs256":
		if c.JWT.Secret == "" && c.IsProduction() {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
	case "ed25519":
		if c.JWT.PublicKey == "" {
			errs = append(errs, errors.New("JWT_PUBLIC_KEY is required for ed25519"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported JWT signing method %q", c.JWT.SigningMethod))
	}
	if c.IsProduction() {
		if len(c.Hashing.Peppers) == 0 {
			errs = append(errs, errors.New("HASH_PEPPERS is required in production"))
		}
		if c.OTP.ExposeCode {
			errs = append(errs, errors.New("OTP_EXPOSE_CODE must be false in production"))
		}
		if c.Security.DevKey != "" {
			errs = append(errs, errors.New("DEV_DIAGNOSTICS_KEY must not be set in production"))
		}
		if c.Backends.OTP == BackendMemory || c.Backends.RateLimit == BackendMemory {
			errs = append(errs, errors.New("in-memory OTP and rate limit stores are not shared across instances"))
		}
	}
	if len(c.Hashing.Peppers) > 0 {
		if _, ok := c.Hashing.Peppers[c.Hashing.CurrentPepper]; !ok {
			errs = append(errs, fmt.Errorf("current pepper version %d not present", c.Hashing.CurrentPepper))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "local"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Set replaces the process-wide configuration
func Set(cfg *Config) {
	currentMu.Lock()
	current = cfg
	currentMu.Unlock()
}

// Get returns the process-wide configuration, loading defaults when unset
func Get() *Config {
	currentMu.RLock()
	cfg := current
	currentMu.RUnlock()
	if cfg == nil {
		return Defaults()
	}
	return cfg
}

// parsePeppers reads "1:secret,2:secret2"
func parsePeppers(raw string) map[int]string {
	if raw == "" {
		return nil
	}
	out := make(map[int]string)
	for _, entry := range strings.Split(raw, ",") {
		version, secret, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || secret == "" {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(version, "%d", &v); err != nil {
			continue
		}
		out[v] = secret
	}
	return out
}
