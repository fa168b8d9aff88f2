// Package app wires configuration into the ingestion components.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"tenant-ingest/internal/api"
	"tenant-ingest/internal/config"
	"tenant-ingest/internal/csvparse"
	"tenant-ingest/internal/db"
	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/mapping"
	"tenant-ingest/internal/middleware"
	"tenant-ingest/internal/objectstore"
	"tenant-ingest/internal/orchestrator"
	"tenant-ingest/internal/queue"
	"tenant-ingest/internal/scanner"
	"tenant-ingest/internal/service/ingestion"
	"tenant-ingest/internal/service/replay"
	"tenant-ingest/internal/table"
	"tenant-ingest/internal/writer"
)

// Deps lets callers replace the external backends, mainly in tests. Nil
// fields are built from the config.
type Deps struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Store      domain.ObjectStore
	Table      domain.Table
	DeadLetter domain.DeadLetterQueue
	SQS        queue.SQSAPI
}

// App holds the wired components.
type App struct {
	Cfg          *config.Config
	Logger       *slog.Logger
	TableName    string
	Resolver     *mapping.Resolver
	Store        domain.ObjectStore
	Table        domain.Table
	Sink         *writer.BlobSink
	Writer       *writer.BatchWriter
	Coordinator  *ingestion.Coordinator
	DeadLetter   domain.DeadLetterQueue
	Orchestrator *orchestrator.Orchestrator
	Replay       *replay.Service

	sqs     queue.SQSAPI
	closers []func() error
}

// LoadTemplates reads the template set from TEMPLATES or TEMPLATES_FILE.
func LoadTemplates(cfg *config.Config) (*mapping.TemplateFile, error) {
	if cfg.TemplatesInline != "" {
		return mapping.ParseTemplates([]byte(cfg.TemplatesInline))
	}
	return mapping.LoadTemplates(cfg.TemplatesFile)
}

// NewResolver loads and validates the template set. It also returns the
// destination table: TABLE_NAME, else the template file's default.
func NewResolver(cfg *config.Config) (*mapping.Resolver, string, error) {
	tf, err := LoadTemplates(cfg)
	if err != nil {
		return nil, "", err
	}
	resolver, err := mapping.NewResolver(tf.Templates)
	if err != nil {
		return nil, "", err
	}
	name := cfg.TableName
	if name == "" {
		name = tf.Table
	}
	return resolver, name, nil
}

// New builds every component. Invalid templates or a missing table name
// fail here, before any object is processed.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	a := &App{Cfg: cfg, Logger: logger, sqs: deps.SQS}

	resolver, tableName, err := NewResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	if tableName == "" {
		return nil, domain.ErrConfiguration("TABLE_NAME is not set and the template file names no table")
	}
	a.Resolver, a.TableName = resolver, tableName

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := LoadAWSConfig(ctx, cfg)
			if err != nil {
				return aws.Config{}, err
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	if a.Store = deps.Store; a.Store == nil {
		if a.Store, err = a.openStore(ctx, loadAWS); err != nil {
			return nil, errors.Join(err, a.Close())
		}
	}
	if a.Table = deps.Table; a.Table == nil {
		if a.Table, err = a.openTable(loadAWS); err != nil {
			return nil, errors.Join(err, a.Close())
		}
	}
	if a.sqs == nil && (cfg.QueueURL != "" || cfg.DeadLetterQueueURL != "") {
		c, err := loadAWS()
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		a.sqs = queue.NewSQSClient(c, cfg.Endpoint())
	}

	a.Sink = writer.NewBlobSink(a.Store, cfg.FailedBucket, cfg.FailedPrefix, logger)
	a.Writer = writer.New(a.Table, a.Sink, writer.Options{
		Table:            tableName,
		PartitionKeyAttr: cfg.PartitionKeyAttr,
		SortKeyAttr:      cfg.SortKeyAttr,
	}, logger)
	sc := scanner.New(a.Store, scanner.Options{
		BatchSize: cfg.BatchSize,
		Parser: csvparse.Options{
			Separator:   cfg.Separator,
			Quote:       cfg.Quote,
			Escape:      cfg.Escape,
			MaxRowBytes: cfg.MaxRowBytes,
			Strict:      cfg.Strict,
		},
	}, logger)
	a.Coordinator = ingestion.NewCoordinator(resolver, sc, a.Writer, a.Store, cfg.ScanBudget, logger)

	switch {
	case deps.DeadLetter != nil:
		a.DeadLetter = deps.DeadLetter
	case cfg.DeadLetterQueueURL != "":
		a.DeadLetter = queue.NewSQSDeadLetter(a.sqs, cfg.DeadLetterQueueURL)
	default:
		a.DeadLetter = queue.NewBlobDeadLetter(a.Store, cfg.FailedBucket, queue.DefaultDeadLetterPrefix, logger)
	}
	a.Orchestrator = orchestrator.New(a.Coordinator, a.DeadLetter, orchestrator.Options{
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
		InvocationTimeout: cfg.InvocationTimeout,
		MaxInvocations:    cfg.MaxInvocations,
	}, logger)
	a.Replay = replay.NewService(a.Store, resolver, a.Writer, a.Sink, logger)

	logger.Info("ingestion wired",
		"table", tableName, "table_backend", cfg.TableBackend, "object_store", cfg.ObjectStore,
		"templates", len(resolver.Templates()), "batch_size", cfg.BatchSize)
	return a, nil
}

// LoadAWSConfig builds the shared AWS config: static credentials when KEY_ID
// and SECRET are set, the default chain otherwise.
func LoadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != nil {
		opts = append(opts, awsconfig.WithRegion(*cfg.AWSRegion))
	}
	if cfg.HasStaticAWSCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(*cfg.AWSKeyID, *cfg.AWSSecret, "")))
	}
	c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return c, nil
}

func (a *App) openStore(ctx context.Context, loadAWS func() (aws.Config, error)) (domain.ObjectStore, error) {
	kind, err := objectstore.ParseKind(a.Cfg.ObjectStore)
	if err != nil {
		return nil, domain.ErrConfiguration("%v", err)
	}
	switch kind {
	case objectstore.KindAzure:
		return objectstore.NewAzureStore(a.Cfg.AzureAccountName, a.Cfg.AzureAccountKey)
	case objectstore.KindGCS:
		s, err := objectstore.NewGCSStore(ctx, a.Cfg.GCSCredentialsFile)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case objectstore.KindFS:
		return objectstore.NewFSStore(a.Cfg.FSRoot), nil
	default:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return objectstore.NewS3Store(objectstore.NewS3Client(c, a.Cfg.Endpoint())), nil
	}
}

func (a *App) openTable(loadAWS func() (aws.Config, error)) (domain.Table, error) {
	if a.Cfg.TableBackend == config.BackendSQLite {
		writeDB, readDB, err := db.OpenSQLitePair(a.Cfg.SQLitePath, 4)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", a.Cfg.SQLitePath, err)
		}
		a.closers = append(a.closers, writeDB.Close, readDB.Close)
		if err := db.RunMigrations(writeDB); err != nil {
			return nil, err
		}
		return table.NewSQLiteTable(writeDB, readDB), nil
	}
	c, err := loadAWS()
	if err != nil {
		return nil, err
	}
	keys := table.KeyAttrs{Partition: a.Cfg.PartitionKeyAttr, Sort: a.Cfg.SortKeyAttr}
	return table.NewDynamoTable(table.NewDynamoClient(c, a.Cfg.Endpoint()), keys, a.Cfg.WriteRPS, a.Logger), nil
}

// Poller returns the SQS trigger poller, or nil when QUEUE_URL is unset.
func (a *App) Poller() *queue.Poller {
	if a.Cfg.QueueURL == "" || a.sqs == nil {
		return nil
	}
	return queue.NewPoller(a.sqs, queue.PollerOptions{
		QueueURL:          a.Cfg.QueueURL,
		Workers:           a.Cfg.Workers,
		VisibilityTimeout: a.Cfg.VisibilityTimeout(),
	}, a.RunTrigger, a.DeadLetter, a.Logger)
}

// RunTrigger drives one trigger through the orchestrator. Its error is
// non-nil only when the trigger was neither finished nor dead-lettered.
func (a *App) RunTrigger(ctx context.Context, trig domain.Trigger) error {
	_, err := a.Orchestrator.Run(ctx, trig)
	return err
}

// Scheduler returns the replay scheduler, or nil when REPLAY_SCHEDULE or
// the bucket list is empty.
func (a *App) Scheduler() *replay.Scheduler {
	if a.Cfg.ReplaySchedule == "" || len(a.Cfg.ReplayBuckets) == 0 {
		return nil
	}
	return replay.NewScheduler(a.Replay, a.Cfg.ReplaySchedule, a.Cfg.ReplayBuckets, a.Cfg.InvocationTimeout, a.Logger)
}

// Router returns the HTTP handler. The rate limiter's eviction loop stops
// with ctx.
func (a *App) Router(ctx context.Context) http.Handler {
	h := api.NewHandler(a.Coordinator, a.Orchestrator, a.Table, a.TableName, a.Cfg.PartitionKeyAttr, a.Logger)
	return api.NewRouter(h, api.RouterOptions{
		CORSAllowedOrigins: a.Cfg.CORSAllowedOrigins,
		RateLimiter: middleware.NewRateLimiter(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: a.Cfg.RateLimitRPS,
			Burst:             a.Cfg.RateLimitBurst,
		}),
		Logger: a.Logger,
	})
}

// Close releases database handles and clients.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
