package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// local store
	StoreDriver             string        `envconfig:"STORE_DRIVER" default:"postgres"`
	DBDSN                   string        `envconfig:"DB_DSN"`
	SQLitePath              string        `envconfig:"SQLITE_PATH" default:"courier.db"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`

	// AWS / SQS / S3
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	OutboundQueueURL   string `envconfig:"OUTBOUND_QUEUE_URL" required:"true"`
	InboundQueueURL    string `envconfig:"INBOUND_QUEUE_URL" required:"true"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	InboundConcurrency int    `envconfig:"INBOUND_CONCURRENCY" default:"4"`
	ArchiveBucket      string `envconfig:"ARCHIVE_BUCKET" required:"true"`
	ArchivePrefix      string `envconfig:"ARCHIVE_PREFIX" default:"generations"`

	// local identity
	IdentityID      string `envconfig:"IDENTITY_ID" required:"true"`
	IdentityKeyFile string `envconfig:"IDENTITY_KEY_FILE" required:"true"`

	// outbox
	DrainInterval    time.Duration `envconfig:"DRAIN_INTERVAL" default:"30s"`
	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"0"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"0s"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10m"`
	PurgeSchedule    string        `envconfig:"PURGE_SCHEDULE" default:"@every 1h"`
	PurgeRetention   time.Duration `envconfig:"PURGE_RETENTION" default:"168h"`

	// transport protection
	TransportRPS       float64       `envconfig:"TRANSPORT_RPS" default:"20"`
	TransportBurst     int           `envconfig:"TRANSPORT_BURST" default:"40"`
	BreakerFailures    uint32        `envconfig:"BREAKER_FAILURES" default:"10"`
	BreakerOpenTimeout time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"20s"`

	HistoryPageLimit int `envconfig:"HISTORY_PAGE_LIMIT" default:"50"`
}

func Load() Config {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if cfg.StoreDriver == "postgres" && cfg.DBDSN == "" {
		panic("DB_DSN is required when STORE_DRIVER=postgres")
	}
	return cfg
}
