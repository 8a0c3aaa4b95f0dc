package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/documents"
	"compliance-backend/internal/guidelines"
	"compliance-backend/internal/jobs"
	"compliance-backend/internal/llm"
	openai "compliance-backend/internal/llm/openai"
	"compliance-backend/internal/queue"
	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/server"
	"compliance-backend/internal/shared/storage/db"
	"compliance-backend/internal/shared/storage/object"
	localstore "compliance-backend/internal/shared/storage/object/local"
	s3store "compliance-backend/internal/shared/storage/object/s3"
)

// App holds shared dependencies.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Store  object.ObjectStore
	Queue  queue.Client

	Library *guidelines.Library

	DocumentsRepo    documents.Repo
	JobsRepo         jobs.Repo
	DocumentsService *documents.Service
	JobsService      *jobs.Service
	JobProcessor     JobProcessor
	DocumentsHandler *documents.Handler
	JobsHandler      *jobs.Handler
}

// JobProcessor allows callers to override job processing for tests.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// Build prepares shared dependencies and wires routes.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if sqlDB != nil {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx)
	if err != nil {
		return nil, err
	}

	library, err := guidelines.Load(cfg.GuidelineLibraryPath)
	if err != nil {
		return nil, fmt.Errorf("guideline library: %w", err)
	}

	app := &App{
		Config:  cfg,
		DB:      sqlDB,
		Store:   store,
		Queue:   queueClient,
		Library: library,
	}

	if err := buildServices(app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          app.Config,
		DocumentHandler: app.DocumentsHandler,
		JobsHandler:     app.JobsHandler,
	})

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context) (queue.Client, error) {
	if strings.TrimSpace(os.Getenv("CA_SQS_QUEUE_URL")) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx)
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(app *App) error {
	var docRepo documents.Repo
	var jobsRepo jobs.Repo
	if app.DB != nil {
		docRepo = &documents.PGRepo{DB: app.DB}
		jobsRepo = &jobs.PGRepo{DB: app.DB}
	} else {
		docRepo = documents.NewMemoryRepo()
		jobsRepo = jobs.NewMemoryRepo()
	}

	docSvc := &documents.Service{Store: app.Store, Repo: docRepo}

	llmClient, err := buildLLM(app.Config)
	if err != nil {
		return err
	}

	jobsSvc := &jobs.Service{
		Repo:            jobsRepo,
		Library:         app.Library,
		DocRepo:         docRepo,
		Store:           app.Store,
		LLM:             llmClient,
		Queue:           app.Queue,
		Heartbeat:       jobs.NewHeartbeatMonitor(jobsRepo, app.Config.HeartbeatInterval),
		Concurrency:     app.Config.JobConcurrency,
		Stagger:         app.Config.JobStagger,
		StaleAfter:      app.Config.StaleAfter,
		ReasoningEffort: app.Config.ReasoningEffort,
	}

	app.DocumentsRepo = docRepo
	app.JobsRepo = jobsRepo
	app.DocumentsService = docSvc
	app.JobsService = jobsSvc
	app.JobProcessor = jobsSvc
	app.DocumentsHandler = documents.NewHandler(docSvc)
	app.JobsHandler = jobs.NewHandler(jobsSvc)

	return nil
}

func buildLLM(cfg config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "mock":
		return llm.NewMockClient(cfg.MockResponsesFile)
	default:
		return openai.NewClient(os.Getenv("OPENAI_API_KEY"), cfg.LLMModel)
	}
}
