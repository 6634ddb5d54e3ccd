package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/alerts"
	"github.com/ternarybob/vigil/internal/artifacts"
	"github.com/ternarybob/vigil/internal/breaker"
	"github.com/ternarybob/vigil/internal/browser"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/fetcher"
	"github.com/ternarybob/vigil/internal/handlers"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/kv"
	"github.com/ternarybob/vigil/internal/metrics"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/queue"
	"github.com/ternarybob/vigil/internal/reverify"
	"github.com/ternarybob/vigil/internal/rules"
	"github.com/ternarybob/vigil/internal/scan"
	"github.com/ternarybob/vigil/internal/storage/postgres"
)

// App holds all application components and dependencies
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Metrics *metrics.Metrics

	KV      *kv.Client
	Storage interfaces.StorageManager

	AllowList *rules.AllowList
	RuleStore *rules.Store
	Engine    *rules.Engine
	Breaker   *breaker.Breaker
	Emitter   *alerts.Emitter
	Fetcher   *fetcher.Fetcher

	QueueManager  *queue.Manager
	ScanService   *scan.Service
	Processor     *scan.Processor
	Coordinator   *reverify.Coordinator
	ArtifactStore *artifacts.Store
	Sweeper       *artifacts.Sweeper
	Capturer      interfaces.EvidenceCapturer

	RunsHandler     *handlers.RunsHandler
	FindingsHandler *handlers.FindingsHandler
	SlackHandler    *handlers.SlackActionsHandler
	AdminHandler    *handlers.AdminHandler
	HealthHandler   *handlers.HealthHandler

	scanPool   *queue.WorkerPool
	renderPool *queue.WorkerPool
	cancel     context.CancelFunc
}

// New wires the full pipeline from configuration
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config:  config,
		Logger:  logger,
		Metrics: metrics.New(),
	}

	kvClient, err := kv.NewClient(config.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to key/value store: %w", err)
	}
	a.KV = kvClient

	storageManager, err := postgres.NewManager(config.Database, logger)
	if err != nil {
		kvClient.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = storageManager

	// Rules engine
	a.AllowList, err = rules.NewAllowList(config.Rules.AllowListFile, logger)
	if err != nil {
		a.closeEarly()
		return nil, fmt.Errorf("failed to load allowlist: %w", err)
	}
	a.RuleStore, err = rules.NewStore(config.Rules.RulesFile, logger)
	if err != nil {
		a.closeEarly()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	robots := rules.NewRobotsCache(kvClient, logger)
	dedup := rules.NewDedupStore(kvClient, a.RuleStore, logger)
	a.Engine = rules.NewEngine(a.AllowList, a.RuleStore, robots, dedup, logger)

	// Outbound probing
	a.Breaker = breaker.New(kvClient, config.Breaker, logger)
	a.Emitter = alerts.NewEmitter(kvClient, config.Slack, logger)
	a.Emitter.SetMetrics(a.Metrics)

	adapter, err := fetcher.NewAdapter(config.Fetcher.Adapter, config.Fetcher.ProxyURL)
	if err != nil {
		a.closeEarly()
		return nil, fmt.Errorf("failed to build fetch adapter: %w", err)
	}
	a.Fetcher = fetcher.New(adapter, a.Breaker, a.Engine, a.Emitter, config.Fetcher, logger)

	// Pipeline
	a.QueueManager = queue.NewManager(kvClient, config.Queue, logger)
	a.ScanService = scan.NewService(a.Storage, a.QueueManager, logger)

	a.ArtifactStore, err = artifacts.NewStore(config.Artifacts, a.Storage.Artifacts(), logger)
	if err != nil {
		a.closeEarly()
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	a.Sweeper = artifacts.NewSweeper(a.ArtifactStore, a.Storage.Runs(), logger)

	if config.Browser.Enabled {
		a.Capturer, err = browser.NewCapturer(config.Browser, logger)
		if err != nil {
			a.closeEarly()
			return nil, fmt.Errorf("failed to start headless browser: %w", err)
		}
	} else {
		a.Capturer = browser.NewNoopCapturer(logger)
	}

	a.Processor = scan.NewProcessor(a.ScanService, a.Storage, a.Fetcher, a.QueueManager, a.Capturer, a.ArtifactStore, config.Browser, logger)
	a.Processor.SetMetrics(a.Metrics)

	a.Coordinator = reverify.NewCoordinator(a.Storage, kvClient, a.QueueManager, config.Reverify, logger)

	// Worker pools; render throughput is capped so one bad batch cannot
	// monopolize the browser
	a.scanPool = queue.NewWorkerPool(models.ScanQueue, config.Queue.ScanConcurrency, 0,
		a.QueueManager, a.instrumented(models.ScanQueue, a.Processor.ProcessScanJob), logger)
	a.renderPool = queue.NewWorkerPool(models.RenderQueue, config.Queue.RenderConcurrency, config.Queue.RenderPerMinute,
		a.QueueManager, a.instrumented(models.RenderQueue, a.Processor.ProcessRenderJob), logger)

	finalFailure := func(ctx context.Context, job *models.Job, jobErr error) {
		a.ScanService.FailFinding(ctx, job.FindingID, jobErr)
		a.Metrics.FindingResolved(string(models.FindingStatusFailed))
	}
	a.scanPool.OnFinalFailure(finalFailure)
	a.renderPool.OnFinalFailure(finalFailure)

	// HTTP surface
	a.RunsHandler = handlers.NewRunsHandler(a.ScanService, a.Storage, a.Metrics, logger)
	a.FindingsHandler = handlers.NewFindingsHandler(a.Coordinator, a.Storage, a.Metrics, logger)
	a.SlackHandler = handlers.NewSlackActionsHandler(a.Coordinator, a.Emitter, a.Storage, config.Slack, logger)
	a.AdminHandler = handlers.NewAdminHandler(a.Breaker, a.AllowList, logger)
	a.HealthHandler = handlers.NewHealthHandler()

	return a, nil
}

// instrumented wraps a job handler with duration and outcome metrics
func (a *App) instrumented(queueName string, handler queue.Handler) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		start := time.Now()
		err := handler(ctx, job)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		a.Metrics.JobProcessed(queueName, outcome, time.Since(start).Seconds())
		return err
	}
}

// Start launches the worker pools, retention sweeper, and gauge poller
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.scanPool.Start(ctx)
	a.renderPool.Start(ctx)

	if err := a.Sweeper.Start(); err != nil {
		return fmt.Errorf("failed to schedule retention sweeper: %w", err)
	}

	go a.pollGauges(ctx)

	a.Logger.Info().
		Int("scan_workers", a.Config.Queue.ScanConcurrency).
		Int("render_workers", a.Config.Queue.RenderConcurrency).
		Msg("Pipeline started")
	return nil
}

// pollGauges refreshes the queue depth and breaker gauges
func (a *App) pollGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, queueName := range []string{models.ScanQueue, models.RenderQueue} {
			if depth, err := a.QueueManager.Len(ctx, queueName); err == nil {
				a.Metrics.SetQueueDepth(queueName, depth)
			}
		}

		stats, err := a.Breaker.GetAllStats(ctx)
		if err != nil {
			continue
		}
		open := 0
		for _, stat := range stats {
			if stat.State != breaker.StateClosed {
				open++
			}
		}
		a.Metrics.SetBreakersOpen(open)
	}
}

// Stop shuts the pipeline down in dependency order
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}

	a.scanPool.Stop()
	a.renderPool.Stop()
	a.Sweeper.Stop()

	// Let in-flight webhook posts finish before tearing down transports
	a.Emitter.Wait()

	if err := a.Capturer.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Browser shutdown failed")
	}
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage shutdown failed")
	}
	if err := a.KV.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("KV shutdown failed")
	}

	a.Logger.Info().Msg("Pipeline stopped")
}

// closeEarly tears down the connections opened before a wiring failure
func (a *App) closeEarly() {
	if a.Storage != nil {
		a.Storage.Close()
	}
	if a.KV != nil {
		a.KV.Close()
	}
}
