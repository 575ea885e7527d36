package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	s3archive "courier/internal/archive/s3"
	"courier/internal/awsutil"
	"courier/internal/config"
	"courier/internal/crypto"
	"courier/internal/domain"
	"courier/internal/history"
	"courier/internal/httpserver"
	"courier/internal/inbound"
	"courier/internal/logging"
	"courier/internal/observability"
	"courier/internal/outbox"
	sqsqueue "courier/internal/queue/sqs"
	"courier/internal/store/pg"
	"courier/internal/store/sqlite"
	"courier/internal/transport"
	"courier/internal/trust"
)

// localStore is every port the daemon binds to the local database.
type localStore interface {
	outbox.TaskStore
	outbox.KeyDirectory
	trust.IdentityResolver
	trust.AddressBook
	trust.Directory
	trust.QuarantineStore
	trust.BlockList
	history.MessageStore
	history.MetadataStore
	inbound.MessageStore
	s3archive.Importer

	Ping(ctx context.Context) error
	PutPublicKey(ctx context.Context, identity string, k domain.PublicKeys) error
}

func main() {
	cfg := config.Load()
	logger := logging.Init("courier", cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("courier exited", "err", err)
		os.Exit(1)
	}
	logger.Info("courier shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	startupCtx, startupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startupCancel()

	store, closeStore, err := openStore(startupCtx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	keys, err := loadOrCreateKeys(cfg.IdentityKeyFile, logger)
	if err != nil {
		return err
	}
	if err := store.PutPublicKey(startupCtx, cfg.IdentityID, keys.Public); err != nil {
		return fmt.Errorf("publish own key: %w", err)
	}

	awsCfg, err := awsutil.LoadConfig(startupCtx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	sqsClient := awsutil.NewSQSClient(awsCfg, cfg.LocalstackEndpoint)
	s3Client := awsutil.NewS3Client(awsCfg, cfg.LocalstackEndpoint)

	observability.Register(prometheus.DefaultRegisterer)
	cryptoEngine := crypto.Engine{}

	// outbound: outbox -> guarded transport -> SQS relay queue
	guarded := &transport.Guarded{
		Next:    &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.OutboundQueueURL},
		Limiter: rate.NewLimiter(rate.Limit(cfg.TransportRPS), cfg.TransportBurst),
		Breaker: transport.NewBreaker(transport.BreakerSettings{
			Name:                "sqs-outbound",
			ConsecutiveFailures: cfg.BreakerFailures,
			OpenTimeout:         cfg.BreakerOpenTimeout,
		}),
		SendTimeout: 10 * time.Second,
	}
	engine := &outbox.Engine{
		Store:     store,
		Keys:      store,
		Crypto:    cryptoEngine,
		Transport: guarded,
		Retry:     retryPolicy(cfg),
		Logger:    logger,
	}
	drainer := outbox.NewDrainer(engine, cfg.IdentityID, keys, cfg.DrainInterval, logger)

	scheduler := cron.New()
	if _, err := outbox.SchedulePurge(scheduler, cfg.PurgeSchedule, engine, cfg.PurgeRetention, logger); err != nil {
		return fmt.Errorf("schedule purge %q: %w", cfg.PurgeSchedule, err)
	}

	// inbound: SQS inbox -> decrypt -> trust -> message cache
	gatekeeper := &trust.Gatekeeper{
		Resolver:   store,
		Contacts:   store,
		Directory:  store,
		Quarantine: store,
		Blocks:     store,
		Logger:     logger,
	}
	processor := &inbound.Processor{
		IdentityID: cfg.IdentityID,
		Keys:       keys,
		Directory:  store,
		Crypto:     cryptoEngine,
		Trust:      gatekeeper,
		Blocks:     store,
		Messages:   store,
		Logger:     logger,
	}
	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.InboundQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
		Logger:            logger,
	}

	repo := &history.Repository{
		Messages: store,
		Metadata: store,
		Archive: &s3archive.Archive{
			S3:     s3Client,
			Bucket: cfg.ArchiveBucket,
			Prefix: cfg.ArchivePrefix,
			Store:  store,
			Logger: logger,
		},
		Logger:    logger,
		PageLimit: cfg.HistoryPageLimit,
	}

	srv := httpserver.New()
	api := &httpserver.API{
		Outbox:  engine,
		Drainer: drainer,
		History: repo,
		Trust:   gatekeeper,
		Logger:  logger,
	}
	api.Register(srv.Mux)
	srv.Mux.HandleFunc("/healthz", httpserver.Healthz())
	srv.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		httpserver.ReadyzCheck{Name: "store", Probe: store.Ping},
		httpserver.ReadyzCheck{Name: "sqs", Probe: func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.InboundQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		}},
	))

	apiSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(logger)}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("courier api listening", "port", cfg.Port)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("courier metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		drainer.Poke()
		return ignoreCanceled(drainer.Run(gctx))
	})
	g.Go(func() error {
		logger.Info("courier inbound polling", "queue_url", cfg.InboundQueueURL, "workers", cfg.InboundConcurrency)
		return ignoreCanceled(consumer.PollConcurrent(gctx, cfg.InboundConcurrency, processor.Process))
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("courier shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (localStore, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := pg.Open(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg.New(db), db.Close, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// loadOrCreateKeys generates the identity key pair on first start.
func loadOrCreateKeys(path string, logger *slog.Logger) (domain.KeyPair, error) {
	kp, err := crypto.LoadKeyPair(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return domain.KeyPair{}, err
	}
	kp, err = crypto.GenerateKeyPair(rand.Reader)
	if err != nil {
		return domain.KeyPair{}, err
	}
	if err := crypto.SaveKeyPair(path, kp); err != nil {
		return domain.KeyPair{}, fmt.Errorf("save key file: %w", err)
	}
	logger.Info("courier generated identity keys", "path", path)
	return kp, nil
}

func retryPolicy(cfg config.Config) outbox.RetryPolicy {
	if cfg.RetryMaxAttempts <= 0 && cfg.RetryBaseDelay <= 0 {
		return outbox.Unlimited{}
	}
	return outbox.Backoff{
		Base:        cfg.RetryBaseDelay,
		Max:         cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
