package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/rob634/rmhgeoapi/internal/bus"
	"github.com/rob634/rmhgeoapi/internal/core/coremachine"
	"github.com/rob634/rmhgeoapi/internal/core/entryshim"
	"github.com/rob634/rmhgeoapi/internal/core/handlers"
	"github.com/rob634/rmhgeoapi/internal/core/janitor"
	"github.com/rob634/rmhgeoapi/internal/core/jobspec"
	"github.com/rob634/rmhgeoapi/internal/core/registry"
	"github.com/rob634/rmhgeoapi/internal/data/db"
	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	"github.com/rob634/rmhgeoapi/internal/httpapi"
	"github.com/rob634/rmhgeoapi/internal/platform/blobstore"
	"github.com/rob634/rmhgeoapi/internal/platform/envutil"
	"github.com/rob634/rmhgeoapi/internal/platform/logger"
	"github.com/rob634/rmhgeoapi/internal/telemetry"
)

// App wires every component described by the orchestrator's module
// breakdown: State Store (GORM/Postgres), Message Bus (Redis Streams),
// Handler/Job registries, the CoreMachine, the Janitor, the Entry Shim, and
// the HTTP surface. New() only constructs; Start() puts the consumer loops
// and sweeps in motion.
type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Cfg    Config
	Bus    bus.Bus
	Router *gin.Engine

	Machine *coremachine.Machine
	Janitor *janitor.Janitor
	Shim    *entryshim.Shim

	gcsClient *storage.Client
	redis     *goredis.Client
	otelShut  func(context.Context) error
	cancel    context.CancelFunc
}

func New() (*App, error) {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig()

	ctx := context.Background()
	otelShut := telemetry.Init(ctx, log, telemetry.Config{
		ServiceName: cfg.OtelServiceName,
		Environment: cfg.OtelEnvironment,
		Version:     cfg.OtelVersion,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	gormDB := pg.DB()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:        cfg.RedisAddr,
		DialTimeout: 5 * time.Second,
	})
	{
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Sync()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	messageBus, err := bus.NewRedisBus(redisClient, log, cfg.BusBatchThreshold)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init message bus: %w", err)
	}

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	store := blobstore.NewGCSStore(gcsClient, cfg.GCSBucket)

	jobRepo := reposcore.NewJobRepo(gormDB, log)
	taskRepo := reposcore.NewTaskRepo(gormDB, log)

	handlerRegistry := registry.NewHandlerRegistry()
	jobRegistry := registry.NewJobRegistry()
	if err := wireHandlers(handlerRegistry, jobRegistry, store, cfg.GCSBucket); err != nil {
		log.Sync()
		return nil, fmt.Errorf("wire handlers: %w", err)
	}

	machine := coremachine.New(jobRepo, taskRepo, messageBus, handlerRegistry, jobRegistry, log)
	j := janitor.New(jobRepo, taskRepo, messageBus, machine, log, cfg.Janitor)
	shim := entryshim.New(jobRepo, messageBus, jobRegistry, log)

	jobsHandler := httpapi.NewJobsHandler(shim, jobRepo)
	router := httpapi.NewRouter(httpapi.RouterConfig{JobsHandler: jobsHandler})

	return &App{
		Log:       log,
		DB:        gormDB,
		Cfg:       cfg,
		Bus:       messageBus,
		Router:    router,
		Machine:   machine,
		Janitor:   j,
		Shim:      shim,
		gcsClient: gcsClient,
		redis:     redisClient,
		otelShut:  otelShut,
	}, nil
}

// wireHandlers registers every example JobSpec (§DOMAIN STACK) and the
// taskType handlers they produce. This is the single place new
// job/handler pairs are added.
func wireHandlers(hr *registry.HandlerRegistry, jr *registry.JobRegistry, store blobstore.Store, bucket string) error {
	specs := []registry.JobSpec{
		jobspec.NewEcho(),
		jobspec.NewRasterToCOG(),
		jobspec.NewVectorIngest(),
		jobspec.NewStacCatalog(),
		jobspec.NewH3Aggregate(),
	}
	for _, s := range specs {
		if err := jr.Register(s); err != nil {
			return err
		}
	}

	taskHandlers := []registry.Handler{
		handlers.Echo{},
		handlers.RasterTileToCOG{Store: store, Bucket: bucket},
		handlers.RasterMergeOverviews{Store: store, Bucket: bucket},
		handlers.VectorIngestBatch{Store: store, Bucket: bucket},
		handlers.VectorBuildSpatialIndex{Store: store, Bucket: bucket},
		handlers.StacItemGenerate{Store: store, Bucket: bucket},
		handlers.StacCatalogFinalize{Store: store, Bucket: bucket},
		handlers.H3BinAggregate{Store: store, Bucket: bucket},
		handlers.H3AggregateFinalize{Store: store, Bucket: bucket},
	}
	for _, h := range taskHandlers {
		if err := hr.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Start puts the background loops in motion: runWorker consumes both
// message streams and dispatches into the CoreMachine, runJanitor starts
// the four recovery sweeps. runServer is handled separately by Run, which
// blocks on the HTTP listener.
func (a *App) Start(runWorker, runJanitor bool) {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	consumerName := consumerName()

	if runWorker {
		go func() {
			if err := a.Bus.ConsumeJobsMessages(ctx, consumerName, a.Machine.HandleJobsMessage); err != nil && ctx.Err() == nil {
				a.Log.Warn("jobs message consumer stopped", "error", err)
			}
		}()
		go func() {
			if err := a.Bus.ConsumeTaskMessages(ctx, consumerName, a.Machine.HandleTaskMessage); err != nil && ctx.Err() == nil {
				a.Log.Warn("task message consumer stopped", "error", err)
			}
		}()
	}

	if runJanitor {
		go func() {
			if err := a.Janitor.Run(ctx); err != nil && ctx.Err() == nil {
				a.Log.Warn("janitor stopped", "error", err)
			}
		}()
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "consumer"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.otelShut != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShut(ctx)
		cancel()
	}
	if a.gcsClient != nil {
		_ = a.gcsClient.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
