package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/neurify-goto/form-sender-orchestrator/config"
	"github.com/neurify-goto/form-sender-orchestrator/internal/autostop"
	"github.com/neurify-goto/form-sender-orchestrator/internal/calendar"
	"github.com/neurify-goto/form-sender-orchestrator/internal/dispatch"
	"github.com/neurify-goto/form-sender-orchestrator/internal/gcs"
	"github.com/neurify-goto/form-sender-orchestrator/internal/github"
	"github.com/neurify-goto/form-sender-orchestrator/internal/handlers"
	httpx "github.com/neurify-goto/form-sender-orchestrator/internal/http"
	"github.com/neurify-goto/form-sender-orchestrator/internal/observability/statsd"
	"github.com/neurify-goto/form-sender-orchestrator/internal/props"
	"github.com/neurify-goto/form-sender-orchestrator/internal/queue"
	"github.com/neurify-goto/form-sender-orchestrator/internal/rpc"
	"github.com/neurify-goto/form-sender-orchestrator/internal/sheets"
	"github.com/neurify-goto/form-sender-orchestrator/internal/taskcontrol"
	"github.com/neurify-goto/form-sender-orchestrator/internal/tasks"
	"github.com/neurify-goto/form-sender-orchestrator/internal/trigger"
)

// App holds the wired application: infrastructure clients and the services
// selected by the SERVICES configuration.
type App struct {
	Config config.AppConfig
	Logger *slog.Logger

	Redis   redis.UniversalClient
	Pool    *pgxpool.Pool
	Metrics *statsd.Client

	Handlers *handlers.Handlers
	Runner   *trigger.Runner
	Daily    *trigger.DailyJobs
	Server   *httpx.Server
}

// NewApp wires every component from configuration. The returned App owns the
// infrastructure clients; call Close when done.
func NewApp(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	metricsClient, err := statsd.NewClient(statsd.Options{
		Enabled:      cfg.Observability.Metrics.IsEnabled(),
		Address:      cfg.Observability.Metrics.StatsdAddress,
		Prefix:       cfg.Observability.Metrics.Prefix,
		ConstantTags: map[string]string{"service": "form-sender-orchestrator"},
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	app.Metrics = metricsClient

	redisClient, err := ConnectRedis(ctx, cfg.Redis, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Redis = redisClient

	store := props.NewRedisStoreWithPrefix(redisClient, cfg.Redis.KeyPrefix+"prop:")
	locker := props.NewRedisLocker(redisClient)

	caller, err := app.buildProcedureCaller(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	creds, err := LoadGoogleCredentials(cfg.Google.ServiceAccountJSON)
	if err != nil {
		app.Close()
		return nil, err
	}

	configStore := sheets.NewStore(sheets.StoreOptions{
		SpreadsheetID:  cfg.Sheets.SpreadsheetID,
		ClientRange:    cfg.Sheets.ClientRange,
		TargetingRange: cfg.Sheets.TargetingRange,
		TokenSource:    creds.AccessTokenSource(ctx, sheets.Scope),
		Logger:         logger,
		Defaults: sheets.Defaults{
			SendEndTime:     cfg.Scheduler.DefaultSendEndTime,
			SessionMaxHours: cfg.Scheduler.DefaultSessionHours,
		},
	})

	cal := calendar.New(calendar.Options{
		Provider: calendar.NewGoogleProvider(calendar.GoogleProviderOptions{
			CalendarID:  cfg.Calendar.HolidayCalendarID,
			TokenSource: creds.AccessTokenSource(ctx, CalendarScope),
		}),
		Logger: logger,
	})

	// The queue-backed dispatch modes ship their payload through GCS.
	if cfg.Google.TaskQueuePath != "" && cfg.Google.Bucket == "" {
		app.Close()
		return nil, fmt.Errorf("GCS_BUCKET is required when TASK_QUEUE_PATH is set")
	}

	var artifacts dispatch.ArtifactStore
	if cfg.Google.Bucket != "" {
		gcsClient, gcsErr := gcs.NewClient(gcs.ClientOptions{
			Bucket:        cfg.Google.Bucket,
			TokenSource:   creds.AccessTokenSource(ctx, gcs.ScopeReadWrite),
			SignerEmail:   creds.Key().ClientEmail,
			PrivateKeyPEM: []byte(creds.Key().PrivateKey),
			Logger:        logger,
		})
		if gcsErr != nil {
			app.Close()
			return nil, gcsErr
		}
		artifacts = gcsClient
	}

	var enqueuer dispatch.TaskEnqueuer
	if cfg.Google.TaskQueuePath != "" {
		enqueuer = tasks.NewClient(tasks.ClientOptions{
			QueuePath:   cfg.Google.TaskQueuePath,
			TokenSource: creds.AccessTokenSource(ctx, CloudPlatformScope),
			Logger:      logger,
		})
	}

	githubClient := github.NewClient(github.ClientOptions{
		Owner:    cfg.GitHub.Owner,
		Repo:     cfg.GitHub.Repo,
		Token:    cfg.GitHub.Token,
		Workflow: cfg.GitHub.WorkflowFile,
		Logger:   logger,
	})

	var dispatcherClient *taskcontrol.DispatcherClient
	if cfg.Google.DispatcherURL != "" {
		dispatcherClient = taskcontrol.NewDispatcherClient(taskcontrol.DispatcherClientOptions{
			BaseURL:     cfg.Google.DispatcherURL,
			TokenSource: creds.IDTokenSource(ctx, cfg.Google.DispatcherURL),
			Logger:      logger,
		})
	}

	queueBuilder := queue.NewBuilder(queue.BuilderOptions{
		Caller:  caller,
		Configs: configStore,
		Shards:  cfg.Dispatch.ShardCount,
		Logger:  logger,
	})

	router := dispatch.NewRouter(dispatch.RouterOptions{
		Configs:   configStore,
		Queue:     queueBuilder,
		Artifacts: artifacts,
		Tasks:     enqueuer,
		Workflow:  githubClient,
		RunIndex: props.NewRunIndexAllocator(props.RunIndexAllocatorOptions{
			Store:  store,
			Locker: locker,
		}),
		Validator: validatorOrNil(dispatcherClient),
		Settings: dispatch.GlobalSettings{
			UseGCPBatch:              cfg.Dispatch.UseGCPBatch,
			UseServerless:            cfg.Dispatch.UseServerless,
			TaskQueuePath:            cfg.Google.TaskQueuePath,
			DispatcherURL:            cfg.Google.DispatcherURL,
			DispatcherServiceAccount: cfg.Google.DispatcherServiceAccount,
		},
		Batch: dispatch.BatchDefaults{
			VCPUPerWorker:                 cfg.Dispatch.Batch.VCPUPerWorker,
			MemoryPerWorkerMB:             cfg.Dispatch.Batch.MemoryPerWorkerMB,
			MemoryBufferMB:                cfg.Dispatch.Batch.MemoryBufferMB,
			MachineType:                   cfg.Dispatch.Batch.MachineType,
			MachineTypeOverride:           cfg.Dispatch.Batch.MachineTypeOverride,
			PreferSpot:                    cfg.Dispatch.Batch.PreferSpot,
			AllowOnDemandFallback:         cfg.Dispatch.Batch.AllowOnDemandFallback,
			MaxParallelism:                cfg.Dispatch.Batch.MaxParallelism,
			MaxAttempts:                   cfg.Dispatch.Batch.MaxAttempts,
			SignedURLTTLHours:             cfg.Dispatch.Batch.SignedURLTTLHours,
			SignedURLRefreshThresholdSecs: cfg.Dispatch.Batch.SignedURLRefreshThresholdSecs,
		},
		Overrides: dispatch.Overrides{
			Parallelism:        cfg.Dispatch.MaxParallelism,
			WorkersPerWorkflow: cfg.Dispatch.WorkersPerWorkflow,
			ShardCount:         cfg.Dispatch.ShardCount,
			BatchInstanceCount: cfg.Dispatch.BatchInstanceCount,
			Branch:             cfg.Dispatch.Branch,
			WorkflowRef:        cfg.GitHub.Ref,
		},
		Logger: logger,
	})

	triggerManager := trigger.NewManager(trigger.ManagerOptions{
		Store:  store,
		Locker: locker,
		Logger: logger,
	})

	controller := taskcontrol.NewController(taskcontrol.ControllerOptions{
		Dispatcher: listerOrNil(dispatcherClient),
		Workflows:  githubClient,
		Logger:     logger,
	})

	stopScheduler := autostop.NewScheduler(autostop.SchedulerOptions{
		Store:               store,
		Triggers:            triggerManager,
		Stopper:             controller,
		MinDelay:            cfg.Scheduler.AutoStopMinDelay,
		DefaultSessionHours: cfg.Scheduler.DefaultSessionHours,
		Logger:              logger,
	})

	app.Handlers = handlers.New(handlers.HandlersOptions{
		Configs:  configStore,
		Router:   router,
		Queue:    queueBuilder,
		AutoStop: stopScheduler,
		Triggers: triggerManager,
		Control:  controller,
		Calendar: cal,
		Store:    store,
		Logger:   logger,
		Metrics:  metricsClient,
	})

	app.Runner = trigger.NewRunner(trigger.RunnerOptions{
		Manager:  triggerManager,
		Interval: cfg.Scheduler.TickInterval,
		Logger:   logger,
		Metrics:  metricsClient,
	})
	registerTriggerHandlers(app.Runner, app.Handlers, stopScheduler)

	app.Daily = trigger.NewDailyJobs(trigger.DailyJobsOptions{Logger: logger})
	if err := registerDailyJobs(app.Daily, cfg.Scheduler, app.Handlers); err != nil {
		app.Close()
		return nil, err
	}

	if cfg.IsHTTPServerEnabled() {
		verifier, verr := buildVerifier(ctx, cfg)
		if verr != nil {
			app.Close()
			return nil, verr
		}
		app.Server = httpx.NewServer(httpx.ServerOptions{
			Addr: cfg.HTTP.Addr,
			Handler: httpx.NewRouter(httpx.RouterServices{
				Operations: app.Handlers,
				Verifier:   verifier,
				Logger:     logger,
			}),
			ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
			ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
			Logger:            logger,
		})
	}

	return app, nil
}

func (a *App) buildProcedureCaller(ctx context.Context) (rpc.ProcedureCaller, error) { //nolint:ireturn // transport selection
	if a.Config.Supabase.RPCTransport == config.RPCTransportPostgres {
		pool, err := ConnectPool(ctx, a.Config.Supabase, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
		return rpc.NewDirectClient(rpc.DirectClientOptions{
			Pool:   pool,
			Logger: a.Logger,
		}), nil
	}
	return rpc.NewPostgRESTClient(rpc.PostgRESTClientOptions{
		BaseURL: a.Config.Supabase.URL,
		APIKey:  a.Config.Supabase.ServiceRoleKey,
		Logger:  a.Logger,
	}), nil
}

// registerTriggerHandlers binds the persisted trigger handler names to the
// entry points.
func registerTriggerHandlers(runner *trigger.Runner, h *handlers.Handlers, stops *autostop.Scheduler) {
	runner.Register(handlers.HandlerStartAt7, func(ctx context.Context) error {
		_, err := h.StartFormSenderFromTriggerAt7(ctx)
		return err
	})
	runner.Register(handlers.HandlerStartAt13, func(ctx context.Context) error {
		_, err := h.StartFormSenderFromTriggerAt13(ctx)
		return err
	})
	runner.Register(handlers.HandlerStart, func(ctx context.Context) error {
		_, err := h.StartFormSenderFromTrigger(ctx)
		return err
	})
	runner.Register(autostop.HandlerName, func(ctx context.Context) error {
		_, err := stops.HandleDue(ctx)
		return err
	})
}

func registerDailyJobs(daily *trigger.DailyJobs, cfg config.SchedulerConfig, h *handlers.Handlers) error {
	if err := daily.Add(cfg.DailyResetCron, "queue-reset", func(ctx context.Context) error {
		_, err := h.ResetSendQueueAllDaily(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register queue reset job: %w", err)
	}
	if err := daily.Add(cfg.ExtraResetCron, "queue-reset-extra", func(ctx context.Context) error {
		_, err := h.ResetSendQueueAllDailyExtra(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register extra queue reset job: %w", err)
	}
	return nil
}

func buildVerifier(ctx context.Context, cfg config.AppConfig) (httpx.TokenVerifier, error) { //nolint:ireturn // mode selection
	if cfg.Auth.Mode == config.AuthModeNone {
		if !cfg.IsDev {
			return nil, fmt.Errorf("AUTH_MODE=none requires DEV=true")
		}
		return httpx.InsecureVerifier{}, nil
	}
	return httpx.NewOIDCVerifier(ctx, cfg.Auth)
}

// validatorOrNil avoids a typed-nil interface when no dispatcher is
// configured.
func validatorOrNil(c *taskcontrol.DispatcherClient) dispatch.ConfigValidator { //nolint:ireturn // optional dependency
	if c == nil {
		return nil
	}
	return c
}

func listerOrNil(c *taskcontrol.DispatcherClient) taskcontrol.ExecutionLister { //nolint:ireturn // optional dependency
	if c == nil {
		return nil
	}
	return c
}

// Run starts the enabled services and blocks until the context is cancelled
// or a service fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.Config.IsRunnerEnabled() {
		g.Go(func() error {
			return a.Runner.Run(ctx)
		})
		a.Daily.Start()
		g.Go(func() error {
			<-ctx.Done()
			a.Daily.Stop()
			return nil
		})
	}

	if a.Server != nil {
		g.Go(func() error {
			return a.Server.Run(ctx)
		})
	}

	return g.Wait()
}

// Close releases the infrastructure clients.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("close redis failed", slog.String("error", err.Error()))
		}
	}
	if a.Metrics != nil {
		if err := a.Metrics.Close(); err != nil {
			a.Logger.Error("close metrics failed", slog.String("error", err.Error()))
		}
	}
}
