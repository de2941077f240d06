// Package relaykit assembles the trigger and execution pipeline into a
// single runnable platform. It wires the ingress surfaces (webhook
// intake, the polling scheduler), the durable execution queue, the
// workflow engine, the worker pool, and the HTTP API, selecting
// Postgres, Redis, and Mongo backends when configured and falling back
// to in-memory implementations otherwise.
//
// # Deployment modes
//
// A fully in-memory platform (no DATABASE_URL, no REDIS_URL, with
// SINGLE_PROCESS=true) is suitable for development and tests: state is
// lost on restart and exactly one process may run. With Postgres the
// stores become durable; with Redis the queue, dedupe, quota, worker
// heartbeats, and the execution event stream become shared across
// processes, so API nodes and worker nodes can scale independently.
package relaykit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/relaykit/relaykit/api"
	"github.com/relaykit/relaykit/audit"
	auditmem "github.com/relaykit/relaykit/audit/memory"
	auditmongo "github.com/relaykit/relaykit/audit/mongo"
	auditpg "github.com/relaykit/relaykit/audit/postgres"
	"github.com/relaykit/relaykit/config"
	"github.com/relaykit/relaykit/connector"
	"github.com/relaykit/relaykit/credential"
	credentialmem "github.com/relaykit/relaykit/credential/memory"
	credentialpg "github.com/relaykit/relaykit/credential/postgres"
	"github.com/relaykit/relaykit/dedupe"
	dedupemem "github.com/relaykit/relaykit/dedupe/memory"
	dedupepg "github.com/relaykit/relaykit/dedupe/postgres"
	deduperedis "github.com/relaykit/relaykit/dedupe/redis"
	"github.com/relaykit/relaykit/engine"
	"github.com/relaykit/relaykit/events"
	"github.com/relaykit/relaykit/execution"
	executionmem "github.com/relaykit/relaykit/execution/memory"
	executionpg "github.com/relaykit/relaykit/execution/postgres"
	"github.com/relaykit/relaykit/lock"
	"github.com/relaykit/relaykit/queue"
	queuemem "github.com/relaykit/relaykit/queue/memory"
	queueredis "github.com/relaykit/relaykit/queue/redis"
	"github.com/relaykit/relaykit/quota"
	quotamem "github.com/relaykit/relaykit/quota/memory"
	quotaredis "github.com/relaykit/relaykit/quota/redis"
	"github.com/relaykit/relaykit/resume"
	resumemem "github.com/relaykit/relaykit/resume/memory"
	resumepg "github.com/relaykit/relaykit/resume/postgres"
	"github.com/relaykit/relaykit/scheduler"
	"github.com/relaykit/relaykit/seed"
	"github.com/relaykit/relaykit/telemetry"
	"github.com/relaykit/relaykit/trigger"
	triggermem "github.com/relaykit/relaykit/trigger/memory"
	triggerpg "github.com/relaykit/relaykit/trigger/postgres"
	"github.com/relaykit/relaykit/webhook"
	"github.com/relaykit/relaykit/workflow"
	workflowmem "github.com/relaykit/relaykit/workflow/memory"
	workflowpg "github.com/relaykit/relaykit/workflow/postgres"
	"github.com/relaykit/relaykit/worker"
)

const (
	// marksMapName is the replicated map carrying trigger poll marks and
	// dedupe rendezvous tokens across scheduler nodes.
	marksMapName = "relaykit:trigger-marks"
	// queuePoolName is the Pulse pool coordinating queue maintenance
	// ticks so one node at a time promotes due retries.
	queuePoolName = "relaykit-queue"
	// auditDatabase is the Mongo database holding the webhook audit
	// mirror.
	auditDatabase = "relaykit"
	// auditCollection is the Mongo collection holding delivery entries.
	auditCollection = "webhook_audit"
	// shutdownGrace bounds the drain of in-flight HTTP requests and the
	// resource teardown after a stop signal.
	shutdownGrace = 15 * time.Second
)

// Platform holds every component of a running pipeline node. Build one
// with New, serve it with Run, and release it with Close.
type Platform struct {
	cfg    config.Config
	logger telemetry.Logger

	db    *sqlx.DB
	rdb   *redis.Client
	mongo *mongodriver.Client

	marksMap *rmap.Map
	beatsMap *rmap.Map
	poolNode *pool.Node

	triggers  *trigger.Registry
	queue     *queue.Service
	engine    *engine.Engine
	pool      *worker.Pool
	monitor   *worker.Monitor
	scheduler *scheduler.Scheduler
	webhooks  *webhook.Service
	publisher *events.Publisher
	server    *api.Server
}

// Option adjusts platform assembly.
type Option func(*assembly)

// assembly carries the overridable collaborators during New.
type assembly struct {
	logger  telemetry.Logger
	invoker connector.Invoker
}

// WithLogger sets the pipeline logger. Defaults to the no-op logger so
// embedding tests stay quiet; cmd/relaykit passes the Clue logger.
func WithLogger(l telemetry.Logger) Option {
	return func(a *assembly) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithInvoker overrides the connector invoker. When unset the platform
// builds an HTTP invoker from CONNECTOR_BASE_URL, or an empty registry
// that rejects action nodes when no connector service is configured.
func WithInvoker(inv connector.Invoker) Option {
	return func(a *assembly) {
		a.invoker = inv
	}
}

// New builds a Platform from configuration: it connects the configured
// backends, runs schema migrations, and wires every pipeline component.
// The caller owns the result and must Close it. On error, everything
// acquired so far is released before returning.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Platform, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("relaykit: JWT_SECRET is required")
	}
	resumeSecret := cfg.ResumeTokenSecret
	if resumeSecret == "" {
		resumeSecret = cfg.JWTSecret
	}

	asm := assembly{logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(&asm)
	}
	logger := asm.logger

	p := &Platform{cfg: cfg, logger: logger}
	fail := func(err error) (*Platform, error) {
		return nil, errors.Join(err, p.Close(ctx))
	}

	// Backend clients.
	if cfg.DatabaseURL != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("relaykit: connect postgres: %w", err))
		}
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		p.db = db
	}
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("relaykit: parse REDIS_URL: %w", err))
		}
		rdb := redis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fail(fmt.Errorf("relaykit: ping redis: %w", err))
		}
		p.rdb = rdb
	}
	if cfg.MongoURL != "" {
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return fail(fmt.Errorf("relaykit: connect mongo: %w", err))
		}
		if err := mc.Ping(ctx, readpref.Primary()); err != nil {
			_ = mc.Disconnect(ctx)
			return fail(fmt.Errorf("relaykit: ping mongo: %w", err))
		}
		p.mongo = mc
	}

	// Stores. Postgres when available, memory otherwise; the audit
	// mirror prefers Mongo so delivery logs age out via its TTL index.
	var (
		execs      execution.Store
		workflows  workflow.Store
		trigStore  trigger.Store
		resumes    resume.Store
		audits     audit.Store
		dedupes    dedupe.Store
		creds      credential.Store
		quotaCount quota.Counter
	)
	if p.db != nil {
		pgExecs := executionpg.New(p.db)
		pgWorkflows := workflowpg.New(p.db)
		pgTriggers := triggerpg.New(p.db)
		pgResumes := resumepg.New(p.db)
		pgDedupes := dedupepg.New(p.db)
		pgAudits := auditpg.New(p.db)
		pgLocks := lock.NewPostgres(p.db)
		for name, ensure := range map[string]func(context.Context) error{
			"executions":      pgExecs.EnsureSchema,
			"workflows":       pgWorkflows.EnsureSchema,
			"triggers":        pgTriggers.EnsureSchema,
			"resume_tokens":   pgResumes.EnsureSchema,
			"dedupe_entries":  pgDedupes.EnsureSchema,
			"webhook_audit":   pgAudits.EnsureSchema,
			"scheduler_locks": pgLocks.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				return fail(fmt.Errorf("relaykit: ensure schema %s: %w", name, err))
			}
		}
		execs, workflows, trigStore, resumes, dedupes, audits = pgExecs, pgWorkflows, pgTriggers, pgResumes, pgDedupes, pgAudits
	} else {
		execs = executionmem.New()
		workflows = workflowmem.New()
		trigStore = triggermem.New()
		resumes = resumemem.New()
		dedupes = dedupemem.New()
		audits = auditmem.New()
	}
	if p.rdb != nil {
		dedupes = deduperedis.New(p.rdb)
		quotaCount = quotaredis.New(p.rdb)
	} else {
		quotaCount = quotamem.New()
	}
	if p.mongo != nil {
		mongoAudits := auditmongo.New(p.mongo.Database(auditDatabase).Collection(auditCollection))
		if err := mongoAudits.EnsureIndexes(ctx); err != nil {
			return fail(fmt.Errorf("relaykit: ensure mongo audit indexes: %w", err))
		}
		audits = mongoAudits
	}
	if p.db != nil && cfg.EncryptionMasterKey != "" {
		box, err := credential.NewBox(cfg.EncryptionMasterKey)
		if err != nil {
			return fail(fmt.Errorf("relaykit: credential box: %w", err))
		}
		pgCreds, err := credentialpg.New(p.db, box)
		if err != nil {
			return fail(fmt.Errorf("relaykit: credential store: %w", err))
		}
		if err := pgCreds.EnsureSchema(ctx); err != nil {
			return fail(fmt.Errorf("relaykit: ensure schema credentials: %w", err))
		}
		creds = pgCreds
	} else {
		if p.db != nil {
			logger.Warn(ctx, "ENCRYPTION_MASTER_KEY not set, credentials held in memory only")
		}
		creds = credentialmem.New()
	}

	// Scheduler leader lock.
	locks, lockMode, err := lock.Select(cfg.SchedulerStrategy, p.rdb, p.db, cfg.SingleProcess)
	if err != nil {
		return fail(err)
	}
	logger.Info(ctx, "scheduler lock backend selected", "mode", lockMode)

	// Trigger registry, with cross-node poll marks when Redis is shared.
	regOpts := []trigger.RegistryOption{
		trigger.WithDedupe(dedupes),
		trigger.WithLogger(logger),
	}
	if p.rdb != nil {
		marks, err := rmap.Join(ctx, marksMapName, p.rdb)
		if err != nil {
			return fail(fmt.Errorf("relaykit: join trigger marks map: %w", err))
		}
		p.marksMap = marks
		regOpts = append(regOpts, trigger.WithMarks(marks))
	}
	registry, err := trigger.NewRegistry(trigStore, regOpts...)
	if err != nil {
		return fail(fmt.Errorf("relaykit: trigger registry: %w", err))
	}
	p.triggers = registry
	if err := registry.Rehydrate(ctx); err != nil {
		return fail(fmt.Errorf("relaykit: rehydrate triggers: %w", err))
	}

	// Services shared by the engine and the API.
	resumeSvc, err := resume.NewService([]byte(resumeSecret), resumes)
	if err != nil {
		return fail(fmt.Errorf("relaykit: resume service: %w", err))
	}
	credSvc, err := credential.NewService(creds, credential.WithLogger(logger))
	if err != nil {
		return fail(fmt.Errorf("relaykit: credential service: %w", err))
	}
	guard, err := quota.NewGuard(quotaCount)
	if err != nil {
		return fail(fmt.Errorf("relaykit: quota guard: %w", err))
	}

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewPromMetrics(promReg, "relaykit")

	if p.rdb != nil {
		pub, err := events.NewPublisher(p.rdb, events.WithLogger(logger))
		if err != nil {
			return fail(fmt.Errorf("relaykit: event publisher: %w", err))
		}
		p.publisher = pub
	}

	// Connector invoker. The registry wrapper classifies transport
	// failures and applies the per-call timeout.
	invoker := asm.invoker
	if invoker == nil {
		var fallback connector.Invoker
		if cfg.ConnectorBaseURL != "" {
			httpInv, err := connector.NewHTTPInvoker(cfg.ConnectorBaseURL)
			if err != nil {
				return fail(err)
			}
			fallback = httpInv
		}
		invoker = connector.NewRegistry(nil, fallback)
	}

	eng, err := engine.New(invoker,
		engine.WithCredentials(credSvc, credSvc),
		engine.WithResume(resumeSvc),
		engine.WithQuota(guard),
		engine.WithObserver(worker.NewObserver(p.publisher)),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	)
	if err != nil {
		return fail(fmt.Errorf("relaykit: engine: %w", err))
	}
	p.engine = eng

	// Durable queue. The shared broker runs a maintenance loop driven
	// by a Pulse pool ticker, so retry promotion fires once per
	// interval across the cluster.
	var broker queue.Broker
	if p.rdb != nil {
		node, err := pool.AddNode(ctx, queuePoolName, p.rdb)
		if err != nil {
			return fail(fmt.Errorf("relaykit: join queue pool: %w", err))
		}
		p.poolNode = node
		rb, err := queueredis.New(ctx, p.rdb,
			queueredis.WithLock(locks),
			queueredis.WithLogger(logger),
			queueredis.WithTicker(queueredis.PoolTicker(node)),
		)
		if err != nil {
			return fail(fmt.Errorf("relaykit: queue broker: %w", err))
		}
		if err := rb.Start(ctx); err != nil {
			return fail(fmt.Errorf("relaykit: start queue maintenance: %w", err))
		}
		broker = rb
	} else {
		broker = queuemem.New()
	}
	q, err := queue.NewService(broker, execs, queue.WithLogger(logger))
	if err != nil {
		return fail(fmt.Errorf("relaykit: queue service: %w", err))
	}
	p.queue = q

	// Worker heartbeats and the execution worker pool.
	var beats worker.Beats
	if p.rdb != nil {
		beatsMap, err := rmap.Join(ctx, worker.HeartbeatMapName, p.rdb)
		if err != nil {
			return fail(fmt.Errorf("relaykit: join heartbeat map: %w", err))
		}
		p.beatsMap = beatsMap
		beats = worker.NewRmapBeats(beatsMap)
	} else {
		beats = worker.NewMemoryBeats()
	}
	p.monitor = worker.NewMonitor(beats)
	if cfg.EnableInlineWorker {
		host, _ := os.Hostname()
		poolOpts := []worker.PoolOption{
			worker.WithWorkers(cfg.WorkerCount),
			worker.WithBeats(beats),
			worker.WithPublisher(p.publisher),
			worker.WithExecutionTimeout(cfg.ExecutionTimeout),
			worker.WithLogger(logger),
		}
		if host != "" {
			poolOpts = append(poolOpts, worker.WithName(host))
		}
		workers, err := worker.NewPool(q, execs, workflows, eng, poolOpts...)
		if err != nil {
			return fail(fmt.Errorf("relaykit: worker pool: %w", err))
		}
		p.pool = workers
	}

	// Ingress: polling scheduler and webhook intake.
	sched, err := scheduler.New(registry, locks, invoker, dedupes, q,
		scheduler.WithAudit(audits),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	)
	if err != nil {
		return fail(fmt.Errorf("relaykit: scheduler: %w", err))
	}
	p.scheduler = sched
	hooks, err := webhook.NewService(registry, dedupes, q, audits,
		webhook.WithReplayTolerance(cfg.WebhookReplayTolerance),
		webhook.WithLogger(logger),
		webhook.WithMetrics(metrics),
	)
	if err != nil {
		return fail(fmt.Errorf("relaykit: webhook service: %w", err))
	}
	p.webhooks = hooks

	// HTTP surface.
	var pingers []health.Pinger
	if p.db != nil {
		pingers = append(pingers, sqlPinger{db: p.db})
	}
	if p.rdb != nil {
		pingers = append(pingers, redisPinger{rdb: p.rdb})
	}
	if p.mongo != nil {
		pingers = append(pingers, mongoPinger{client: p.mongo})
	}
	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithHealth(health.Handler(health.NewChecker(pingers...))),
		api.WithMetrics(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		api.WithDebug(cfg.Debug),
	}
	srv, err := api.New(hooks, q, execs, workflows, resumeSvc, p.monitor, []byte(cfg.JWTSecret), apiOpts...)
	if err != nil {
		return fail(fmt.Errorf("relaykit: api server: %w", err))
	}
	p.server = srv

	if cfg.SeedFile != "" {
		fx, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return fail(err)
		}
		if err := seed.Apply(ctx, fx, workflows, registry, logger); err != nil {
			return fail(err)
		}
	}

	return p, nil
}

// Handler returns the HTTP handler serving the API, webhook intake, and
// operational endpoints. Useful for embedding and httptest.
func (p *Platform) Handler() http.Handler {
	return p.server.Handler()
}

// Queue exposes the execution queue, mainly for embedding tests.
func (p *Platform) Queue() *queue.Service {
	return p.queue
}

// Triggers exposes the trigger registry.
func (p *Platform) Triggers() *trigger.Registry {
	return p.triggers
}

// Run serves HTTP and drives the scheduler and the inline worker pool
// until the context is canceled or a termination signal arrives, then
// shuts down gracefully and releases all resources.
func (p *Platform) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lc net.ListenConfig
	lis, err := lc.Listen(runCtx, "tcp", p.cfg.Addr())
	if err != nil {
		return fmt.Errorf("relaykit: listen on %s: %w", p.cfg.Addr(), err)
	}
	httpSrv := &http.Server{Handler: p.server.Handler()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)
	go func() {
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := p.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	if p.pool != nil {
		go func() {
			if err := p.pool.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("worker pool: %w", err)
			}
		}()
		if err := p.pool.WaitReady(runCtx, p.cfg.WorkerHeartbeatStartupTimeout); err != nil {
			p.logger.Warn(runCtx, "worker pool not ready before startup timeout", "error", err.Error())
		}
	}
	p.logger.Info(runCtx, "pipeline serving", "addr", p.cfg.Addr(), "inline_worker", p.pool != nil)

	var runErr error
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		p.logger.Info(runCtx, "shutdown signal received", "signal", sig.String())
	case runErr = <-errCh:
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shCancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("relaykit: http shutdown: %w", err))
	}
	cancel()
	return errors.Join(runErr, p.Close(shCtx))
}

// Close releases every resource the platform holds. It is safe to call
// on a partially constructed platform and after Run has returned.
func (p *Platform) Close(ctx context.Context) error {
	var errs []error
	if p.triggers != nil {
		if err := p.triggers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trigger registry: %w", err))
		}
		p.triggers = nil
	}
	if p.queue != nil {
		if err := p.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		p.queue = nil
	}
	if p.poolNode != nil {
		if err := p.poolNode.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue pool node: %w", err))
		}
		p.poolNode = nil
	}
	if p.beatsMap != nil {
		p.beatsMap.Close()
		p.beatsMap = nil
	}
	if p.marksMap != nil {
		p.marksMap.Close()
		p.marksMap = nil
	}
	if p.mongo != nil {
		if err := p.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect mongo: %w", err))
		}
		p.mongo = nil
	}
	if p.rdb != nil {
		if err := p.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		p.rdb = nil
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close postgres: %w", err))
		}
		p.db = nil
	}
	return errors.Join(errs...)
}

// sqlPinger reports Postgres liveness for the health endpoint.
type sqlPinger struct {
	db *sqlx.DB
}

func (p sqlPinger) Name() string { return "postgres" }

func (p sqlPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// redisPinger reports Redis liveness for the health endpoint.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// mongoPinger reports Mongo liveness for the health endpoint.
type mongoPinger struct {
	client *mongodriver.Client
}

func (p mongoPinger) Name() string { return "mongo" }

func (p mongoPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx, readpref.Primary()) }
