package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/authz"
	"marketplace-auth/internal/bucketing"
	"marketplace-auth/internal/client"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/encryption"
	"marketplace-auth/internal/handler"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/metrics"
	"marketplace-auth/internal/notification"
	"marketplace-auth/internal/repository/scylla"
	"marketplace-auth/internal/service"
	"marketplace-auth/internal/tls"
	"marketplace-auth/internal/util"
)

const clientInitTimeout = 30 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	clock      clock.Clock
	tlsManager *tls.TLSManager

	// Clients, nil unless a configured backend or sink needs them
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	metrics           *metrics.Metrics

	stores     service.Stores
	gateway    notification.Gateway
	dispatcher *audit.Dispatcher
	exporter   audit.Exporter

	serviceFactory *service.ServiceFactory
	pipeline       *authz.Pipeline

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory validates cfg and builds every dependency. Any failure is returned;
// the server must not start with a partial graph.
func NewFactory(ctx context.Context, cfg *config.Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		clock:  clock.Real{},
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.initializeServices(ctx); err != nil {
		f.Close()
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.String("otp_backend", cfg.Backends.OTP),
		util.String("rate_limit_backend", cfg.Backends.RateLimit),
		util.Strings("audit_sinks", cfg.Audit.Sinks),
	)
	return f, nil
}

// initializeClients connects, in parallel, to exactly the systems the configuration uses
func (f *Factory) initializeClients(ctx context.Context) error {
	need := requiredClients(f.config)

	ctx, cancel := context.WithTimeout(ctx, clientInitTimeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if need.redis {
		g.Go(func() error {
			c, err := client.NewRedisClient(f.config)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			f.redisClient = c
			return nil
		})
	}
	if need.scylla {
		g.Go(func() error {
			c, err := scylla.NewScyllaClient(f.config)
			if err != nil {
				return fmt.Errorf("scylla: %w", err)
			}
			f.scyllaClient = c
			if err := c.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("scylla schema: %w", err)
			}
			return nil
		})
	}
	if need.kafka {
		g.Go(func() error {
			p, err := client.NewKafkaProducer(f.config)
			if err != nil {
				return fmt.Errorf("kafka: %w", err)
			}
			f.kafkaProducer = p
			return nil
		})
	}
	if need.elasticsearch {
		g.Go(func() error {
			c, err := client.NewElasticsearchClient(f.config)
			if err != nil {
				return fmt.Errorf("elasticsearch: %w", err)
			}
			f.esClient = c
			return c.HealthCheck(ctx)
		})
	}
	if need.clickhouse {
		g.Go(func() error {
			c, err := client.NewClickHouseClient(f.config)
			if err != nil {
				return fmt.Errorf("clickhouse: %w", err)
			}
			f.clickhouseClient = c
			if err := c.EnsureAuditTable(ctx); err != nil {
				return fmt.Errorf("clickhouse schema: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.metrics = metrics.New()

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)

	if f.redisClient != nil {
		if err := f.metrics.RegisterRedisPool(f.redisClient.PoolStats); err != nil {
			util.Warn("Redis pool metrics not registered", zap.Error(err))
		}
	}
	return nil
}

func (f *Factory) initializeServices(ctx context.Context) error {
	stores, err := f.buildStores()
	if err != nil {
		return err
	}
	f.stores = stores

	if f.gateway, err = f.buildGateway(); err != nil {
		return err
	}

	sink, exporter, err := f.buildAuditSinks()
	if err != nil {
		return err
	}
	f.exporter = exporter
	f.dispatcher = audit.NewDispatcher(audit.DispatcherConfig{
		BufferSize: f.config.Security.AuditBufferSize,
	}, sink, audit.Enricher{Buckets: f.bucketingManager, Clock: f.clock})
	f.dispatcher.OnDrop = func(audit.Event) { f.metrics.AuditDropped() }

	f.serviceFactory, err = service.NewServiceFactory(
		f.config,
		stores,
		f.gateway,
		f.hasher,
		f.encryptionManager,
		f.bucketingManager,
		f.dispatcher,
		f.metrics,
		f.clock,
	)
	if err != nil {
		return err
	}

	f.pipeline, err = authz.NewPipeline(authz.Deps{
		Tokens:       f.serviceFactory.TokenService(),
		Users:        f.serviceFactory.UserService().Live(),
		Limiter:      f.serviceFactory.RateLimiter(),
		Recorder:     f.dispatcher,
		Owners:       map[string]authz.OwnerResolver{"artisan": f.serviceFactory.ArtisanService().OwnerOf},
		Matrix:       authz.DefaultMatrix(),
		Metrics:      f.metrics,
		Clock:        f.clock,
		MaxBodyBytes: f.config.Security.MaxBodyBytes,
		DevKey:       devKeyFor(f.config),
	})
	if err != nil {
		return fmt.Errorf("failed to build authorization pipeline: %w", err)
	}
	return nil
}

// devKeyFor never enables the operator surface in production, even if validation
// was bypassed
func devKeyFor(cfg *config.Config) string {
	if cfg.IsProduction() {
		return ""
	}
	return cfg.Security.DevKey
}

// Router builds the HTTP handler tree with every route behind the shared pipeline
func (f *Factory) Router() (http.Handler, error) {
	if f.pipeline == nil {
		return nil, errors.New("authorization pipeline not initialized")
	}
	logger := util.Get()
	sf := f.serviceFactory
	return handler.NewRouter(handler.RouterConfig{
		RequireTLS:     f.config.Server.RequireTLS,
		CORSOrigins:    f.config.Server.CORSOrigins,
		RequestTimeout: f.config.Server.WriteTimeout,
		TrustedProxies: f.config.Server.TrustedProxies,
	}, handler.Handlers{
		Auth:        handler.NewAuthHandler(sf.AuthService(), logger),
		Users:       handler.NewUserHandler(sf.UserService(), f.exporter, logger),
		Artisans:    handler.NewArtisanHandler(sf.ArtisanService(), logger),
		Diagnostics: handler.NewDiagnosticsHandler(f.pipeline, sf.UserService(), f.dispatcher, f.clock),
	}, f.pipeline, f.metrics, logger)
}

// HealthCheck pings every initialized client
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.serviceFactory != nil {
		if err := f.serviceFactory.UserService().HealthCheck(ctx); err != nil {
			healthErrors["user_repository"] = err
		}
	}
	return healthErrors
}

// IsHealthy ignores kafka, which only carries asynchronous traffic
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

// Close drains the audit buffer before closing the clients the sinks write to
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.dispatcher != nil {
			f.dispatcher.Close()
			util.Info("Audit dispatcher drained", util.Int64("dropped", int64(f.dispatcher.Dropped())))
		}
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config                  { return f.config }
func (f *Factory) TLSManager() *tls.TLSManager             { return f.tlsManager }
func (f *Factory) Hasher() *hashing.Hasher                 { return f.hasher }
func (f *Factory) Metrics() *metrics.Metrics               { return f.metrics }
func (f *Factory) Pipeline() *authz.Pipeline               { return f.pipeline }
func (f *Factory) ServiceFactory() *service.ServiceFactory { return f.serviceFactory }
