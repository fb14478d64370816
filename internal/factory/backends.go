package factory

import (
	"fmt"
	"strings"

	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/notification"
	"marketplace-auth/internal/repository/memory"
	"marketplace-auth/internal/repository/redis"
	"marketplace-auth/internal/repository/scylla"
	"marketplace-auth/internal/service"
	"marketplace-auth/internal/util"
)

type clientSet struct {
	redis, scylla, kafka, elasticsearch, clickhouse bool
}

func requiredClients(cfg *config.Config) clientSet {
	var need clientSet
	b := cfg.Backends
	need.redis = b.OTP == config.BackendRedis || b.RateLimit == config.BackendRedis || b.Sessions == config.BackendRedis
	need.scylla = b.OTP == config.BackendScylla || b.Users == config.BackendScylla
	need.kafka = cfg.Notification.SMS == "kafka" || cfg.Notification.Email == "kafka"
	for _, s := range cfg.Audit.Sinks {
		switch strings.TrimSpace(s) {
		case "kafka":
			need.kafka = true
		case "elasticsearch":
			need.elasticsearch = true
		case "clickhouse":
			need.clickhouse = true
		}
	}
	return need
}

func (f *Factory) buildStores() (service.Stores, error) {
	var stores service.Stores
	b := f.config.Backends
	timeout := f.config.OTP.StoreTimeout

	switch b.OTP {
	case config.BackendMemory:
		stores.OTP = memory.NewOTPStore()
	case config.BackendRedis:
		stores.OTP = redis.NewOTPStore(f.redisClient, timeout)
	case config.BackendScylla:
		stores.OTP = scylla.NewOTPStore(f.scyllaClient)
	default:
		return stores, fmt.Errorf("unknown OTP backend %q", b.OTP)
	}

	switch b.RateLimit {
	case config.BackendMemory:
		stores.RateLimits = memory.NewRateLimitStore()
	case config.BackendRedis:
		stores.RateLimits = redis.NewRateLimitStore(f.redisClient, timeout)
	default:
		return stores, fmt.Errorf("unknown rate limit backend %q", b.RateLimit)
	}

	switch b.Sessions {
	case config.BackendMemory:
		stores.Sessions = memory.NewSessionStore()
	case config.BackendRedis:
		stores.Sessions = redis.NewSessionStore(f.redisClient, timeout)
	default:
		return stores, fmt.Errorf("unknown session backend %q", b.Sessions)
	}

	switch b.Users {
	case config.BackendMemory:
		users := memory.NewUserRepository()
		stores.Users, stores.Preferences = users, users
		stores.Artisans = memory.NewArtisanRepository()
	case config.BackendScylla:
		users := scylla.NewUserRepository(f.scyllaClient, f.bucketingManager)
		stores.Users, stores.Preferences = users, users
		stores.Artisans = scylla.NewArtisanRepository(f.scyllaClient, f.encryptionManager)
	default:
		return stores, fmt.Errorf("unknown user backend %q", b.Users)
	}
	return stores, nil
}

// buildGateway routes by target kind and wraps the router with the delivery
// timeout and single retry
func (f *Factory) buildGateway() (notification.Gateway, error) {
	n := f.config.Notification
	logGateway := &notification.LogGateway{IncludeCode: !f.config.IsProduction()}
	router := &notification.Router{}

	switch n.SMS {
	case "log", "":
		router.SMS = logGateway
	case "kafka":
		router.SMS = notification.NewKafkaGateway(f.kafkaProducer, f.config.Kafka.DeliveryTopic, n.SMSTemplate)
	default:
		return nil, fmt.Errorf("unknown SMS gateway %q", n.SMS)
	}

	switch n.Email {
	case "log", "":
		router.Email = logGateway
	case "smtp":
		if n.SMTPHost == "" {
			return nil, fmt.Errorf("smtp gateway requires SMTP_HOST")
		}
		router.Email = notification.NewSMTPGateway(n.SMTPHost, n.SMTPPort, n.SMTPUser, n.SMTPPass, n.SMTPFrom)
	case "kafka":
		router.Email = notification.NewKafkaGateway(f.kafkaProducer, f.config.Kafka.DeliveryTopic, n.SMSTemplate)
	default:
		return nil, fmt.Errorf("unknown email gateway %q", n.Email)
	}

	if f.config.IsProduction() && (router.SMS == logGateway || router.Email == logGateway) {
		util.Warn("Log notification gateway active in production; codes are not delivered")
	}
	return notification.NewRetrying(router, f.config.OTP.DeliveryTimeout, f.config.OTP.RetryBackoff), nil
}

// buildAuditSinks returns the fan-out sink and the sink that serves exports.
// Elasticsearch is preferred for export since it survives restarts.
func (f *Factory) buildAuditSinks() (audit.Sink, audit.Exporter, error) {
	var (
		sinks    []audit.Sink
		memSink  *audit.MemorySink
		esSink   *audit.ElasticsearchSink
		exporter audit.Exporter
	)
	for _, name := range f.config.Audit.Sinks {
		switch strings.TrimSpace(name) {
		case "log":
			sinks = append(sinks, audit.LogSink{})
		case "memory":
			memSink = audit.NewMemorySink(f.config.Audit.MemorySize)
			sinks = append(sinks, memSink)
		case "kafka":
			sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
		case "elasticsearch":
			esSink = audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex)
			sinks = append(sinks, esSink)
		case "clickhouse":
			sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
		case "":
		default:
			return nil, nil, fmt.Errorf("unknown audit sink %q", name)
		}
	}
	if len(sinks) == 0 {
		return nil, nil, fmt.Errorf("at least one audit sink is required")
	}

	switch {
	case esSink != nil:
		exporter = esSink
	case memSink != nil:
		exporter = memSink
	}
	if len(sinks) == 1 {
		return sinks[0], exporter, nil
	}
	return &audit.MultiSink{Sinks: sinks}, exporter, nil
}
