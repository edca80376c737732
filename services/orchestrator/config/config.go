package config

import (
	"time"

	"github.com/spf13/viper"
)

// Portal holds the connection details for one administrative portal.
// An empty URL selects the simulated connector.
type Portal struct {
	URL   string
	Token string
}

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	OTelEndpoint string
	OTelInsecure bool

	Workers        int
	QueueCapacity  int
	PollTimeout    time.Duration
	HandlerTimeout time.Duration

	RedisAddr     string
	RedisQueueKey string
	SnapshotTTL   time.Duration
	PostgresDSN   string
	KafkaBrokers  string
	KafkaGroupID  string

	PortalAuth       string
	PortalRateLimit  int
	PortalRateWindow time.Duration
	PortalLatency    time.Duration
	Impots           Portal
	Ameli            Portal
	ANTS             Portal

	RefreshSpec string
	EvictSpec   string
	StatsSpec   string
	EvictAfter  time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		OTelInsecure: v.GetBool("otel_insecure"),

		Workers:        v.GetInt("workers"),
		QueueCapacity:  v.GetInt("queue_capacity"),
		PollTimeout:    v.GetDuration("poll_timeout"),
		HandlerTimeout: v.GetDuration("handler_timeout"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisQueueKey: v.GetString("redis_queue_key"),
		SnapshotTTL:   v.GetDuration("snapshot_ttl"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		KafkaGroupID:  v.GetString("kafka_group_id"),

		PortalAuth:       v.GetString("portal_auth"),
		PortalRateLimit:  v.GetInt("portal_rate_limit"),
		PortalRateWindow: v.GetDuration("portal_rate_window"),
		PortalLatency:    v.GetDuration("portal_latency"),
		Impots:           Portal{URL: v.GetString("portal_impots_url"), Token: v.GetString("portal_impots_token")},
		Ameli:            Portal{URL: v.GetString("portal_ameli_url"), Token: v.GetString("portal_ameli_token")},
		ANTS:             Portal{URL: v.GetString("portal_ants_url"), Token: v.GetString("portal_ants_token")},

		RefreshSpec: v.GetString("refresh_spec"),
		EvictSpec:   v.GetString("evict_spec"),
		StatsSpec:   v.GetString("stats_spec"),
		EvictAfter:  v.GetDuration("evict_after"),
	}
}
