// Package bootstrap wires backends, providers, repositories and services into
// one App shared by the HTTP server and the coachctl CLI.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"

	"github.com/yoockh/coachloop/config"
	"github.com/yoockh/coachloop/internal/api/handlers"
	"github.com/yoockh/coachloop/internal/api/middleware"
	"github.com/yoockh/coachloop/internal/api/routes"
	"github.com/yoockh/coachloop/internal/cache"
	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/notify"
	"github.com/yoockh/coachloop/internal/providers/bot"
	"github.com/yoockh/coachloop/internal/providers/embedding"
	"github.com/yoockh/coachloop/internal/providers/llm"
	"github.com/yoockh/coachloop/internal/providers/stt"
	"github.com/yoockh/coachloop/internal/queue"
	"github.com/yoockh/coachloop/internal/ratelimit"
	mongorepo "github.com/yoockh/coachloop/internal/repositories/mongo"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/services"
	"github.com/yoockh/coachloop/internal/signature"
	"github.com/yoockh/coachloop/internal/storage"
)

type App struct {
	Config *config.Config
	Log    *logrus.Logger

	DB    *gorm.DB
	Redis *redis.Client
	Mongo *mongo.Database

	Sessions    pgrepo.SessionRepository
	BotSessions pgrepo.BotSessionRepository
	Events      pgrepo.LearningEventRepository
	Logs        mongorepo.ReconciliationLogRepository

	Queue      *queue.RedisQueue
	Signer     storage.Signer
	Worker     services.SessionWorker
	Reconciler services.Reconciler
	Ingest     services.IngestService

	closers []func() error
}

// InitBackends connects Postgres, Redis and Mongo and ensures indexes.
func InitBackends(cfg *config.Config, log *logrus.Logger) error {
	if err := config.InitPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	log.Info("PostgreSQL connected")

	if err := config.InitRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	log.Info("Redis connected")

	if err := config.InitMongo(); err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	if err := config.EnsureMongoIndexes(); err != nil {
		log.WithError(err).Warn("failed to ensure mongo indexes")
	}
	log.Info("MongoDB connected")

	if cfg.App.AutoMigrate {
		if err := pgrepo.Migrate(config.PostgresDB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// New builds the pipeline on top of backends set up by InitBackends.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Log:    log,
		DB:     config.PostgresDB,
		Redis:  config.RedisClient,
		Mongo:  config.MongoClient.Database(config.MongoDatabaseName()),
	}

	a.Sessions = pgrepo.NewSessionRepo(a.DB)
	a.BotSessions = pgrepo.NewBotSessionRepo(a.DB)
	a.Events = pgrepo.NewLearningEventRepo(a.DB)
	a.Logs = mongorepo.NewReconciliationLogRepo(a.Mongo)
	children := pgrepo.NewChildRepo(a.DB)
	webhookEvents := mongorepo.NewWebhookEventRepo(a.Mongo)

	providers, err := llm.NewProviders(ctx, cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	chain := llm.NewChain(log, providers, llm.WithDeterministic(cfg.AI.Deterministic), llm.WithAttemptTimeout(cfg.AI.Timeout))
	a.closers = append(a.closers, chain.Close)

	var media services.MediaService
	if cfg.Storage.GCSBucket != "" {
		gcs, err := storage.NewGCSUploader(ctx, cfg.Storage.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		a.Signer = gcs
		media = services.NewMediaService(gcs, cfg.Storage.MaxRecordingBytes)
	} else {
		log.Warn("GCS_BUCKET not set, recordings will not be archived")
	}

	var speech stt.Provider
	if cfg.STT.FallbackEnabled && media != nil {
		gs, err := stt.NewGoogleSpeech(ctx)
		if err != nil {
			log.WithError(err).Warn("speech fallback disabled")
		} else {
			speech = gs
			a.closers = append(a.closers, gs.Close)
		}
	}

	notifier, err := notify.NewNATSNotifier(ctx, cfg.NATS.URL, cfg.NATS.Stream, log)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}
	a.closers = append(a.closers, func() error { notifier.Close(); return nil })

	status := notify.NewRedisStatusPublisher(a.Redis)
	botClient := bot.NewClient(cfg.Bot.BaseURL, cfg.Bot.APIKey, cfg.Bot.Timeout)
	a.Queue = queue.NewRedisQueue(a.Redis, cfg.Queue.Stream, cfg.Queue.DelayedKey)

	retry := services.NewRetryScheduler(a.Sessions, a.Queue, cfg.Pipeline.MaxRetries, cfg.Pipeline.RetryBaseDelay, cfg.Pipeline.RetryMaxDelay, log)
	contexts := services.NewContextService(children, a.Sessions, cache.NewRedisCache(a.Redis, "coachloop:"), cfg.Pipeline.RecentSessions, cfg.Pipeline.ContextCacheTTL)

	a.Worker = services.NewSessionWorker(services.WorkerDeps{
		Sessions:           a.Sessions,
		BotSessions:        a.BotSessions,
		Contexts:           contexts,
		Analyzer:           chain,
		Embedder:           embedding.New(cfg.Embedding),
		Media:              media,
		Bot:                botClient,
		Notifier:           notifier,
		Status:             status,
		Retry:              retry,
		Logger:             log,
		MinTranscriptChars: cfg.Pipeline.MinTranscriptChars,
	})

	a.Reconciler = services.NewReconciler(services.ReconcilerDeps{
		Sessions: a.Sessions,
		Logs:     a.Logs,
		Bot:      botClient,
		Worker:   a.Worker,
		Locker:   cache.NewRedisLocker(a.Redis),
		Status:   status,
		Media:    media,
		STT:      speech,
		Logger:   log,
	}, services.ReconcilerConfig{
		GraceWindow:        cfg.Pipeline.GraceWindow,
		BatchSize:          cfg.Pipeline.BatchSize,
		CandidateDelay:     cfg.Pipeline.CandidateDelay,
		MaxRetries:         cfg.Pipeline.MaxRetries,
		MinTranscriptChars: cfg.Pipeline.MinTranscriptChars,
		LockTTL:            cfg.Pipeline.SweepLockTTL,
		STTLanguage:        cfg.STT.Language,
	})

	a.Ingest = services.NewIngestService(a.Sessions, a.BotSessions, webhookEvents, botClient, a.Queue, status, log)
	return a, nil
}

// Dispatcher returns a queue dispatcher that calls back into this service.
func (a *App) Dispatcher() *queue.Dispatcher {
	cfg := a.Config
	return &queue.Dispatcher{
		Redis:      a.Redis,
		Queue:      a.Queue,
		Routes:     map[string]string{models.TopicSessionAnalyze: cfg.App.BaseURL + routes.JobSessionAnalysisPath},
		SigningKey: cfg.Signing.QueueKeys[0],
		NumWorkers: cfg.Queue.Consumers,
		Logger:     a.Log,
		Group:      cfg.Queue.Group,
		ClaimIdle:  cfg.Queue.ClaimIdle,
	}
}

// Router builds the gin engine with every route registered.
func (a *App) Router() *gin.Engine {
	cfg := a.Config

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(a.Log))

	routes.RegisterRoutes(r, routes.Deps{
		Job:     handlers.NewJobHandler(a.Worker, cfg.App.JobBudget),
		Webhook: handlers.NewWebhookHandler(a.Ingest),
		Cron:    handlers.NewCronHandler(a.Reconciler),
		Admin:   handlers.NewAdminHandler(a.Ingest, a.Logs, a.Events, a.Sessions, a.Signer),
		WS:      handlers.NewWSHandler(a.Sessions, a.Redis, a.Log, cfg.App.AllowedOrigins),
		Health: handlers.NewHealthHandler(map[string]handlers.Check{
			"postgres": func(ctx context.Context) error {
				sqlDB, err := a.DB.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
			"mongo": func(ctx context.Context) error { return a.Mongo.Client().Ping(ctx, nil) },
		}),
		QueueVerifier: signature.NewVerifier(cfg.Signing.MaxSkew, cfg.Signing.QueueKeys...),
		BotVerifier:   signature.NewVerifier(cfg.Signing.MaxSkew, cfg.Signing.BotWebhookKeys...),
		WebhookLimit:  ratelimit.NewKeyed(cfg.RateLimit.WebhookPerMinute, 10*time.Minute),
		CronAuth:      cfg.Cron,
		Auth:          cfg.Auth,
		Logger:        a.Log,
	})
	return r
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.WithError(err).Warn("close failed")
		}
	}
}
