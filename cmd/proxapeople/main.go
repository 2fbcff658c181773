package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"github.com/nmang004/proxapeople-sub000/cmd/proxapeople/cli"
	"github.com/nmang004/proxapeople-sub000/internal/app"
	"github.com/nmang004/proxapeople-sub000/internal/audit"
	audithttp "github.com/nmang004/proxapeople-sub000/internal/audit/http"
	"github.com/nmang004/proxapeople-sub000/internal/auth"
	jobmetrics "github.com/nmang004/proxapeople-sub000/internal/jobs"
	"github.com/nmang004/proxapeople-sub000/internal/observability"
	"github.com/nmang004/proxapeople-sub000/internal/platform/cache"
	"github.com/nmang004/proxapeople-sub000/internal/platform/db"
	"github.com/nmang004/proxapeople-sub000/internal/rbac"
	"github.com/nmang004/proxapeople-sub000/jobs"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "policy":
			os.Exit(runPolicy(os.Args[2:]))
		case "jobs":
			os.Exit(runJobs(os.Args[2:]))
		}
	}

	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, stop, cfg, logger); err != nil {
		var cfgErr *rbac.ConfigurationError
		if errors.As(err, &cfgErr) {
			logger.Error("invalid rbac policy", slog.String("component", cfgErr.Component), slog.Any("problems", cfgErr.Problems))
		} else {
			logger.Error("startup", slog.Any("error", err))
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	rbacMetrics, err := rbac.NewMetrics(metrics.Registerer())
	if err != nil {
		return err
	}

	var (
		pool       *pgxpool.Pool
		repo       rbac.OverrideRepository
		auditRepo  audit.Repository
		policy     rbac.PolicySource
		pgOverride *rbac.PostgresRepository
	)
	if cfg.RBACStore == app.StorePostgres {
		pool, err = db.New(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		pgOverride = rbac.NewPostgresRepository(pool)
		if err := pgOverride.EnsureSchema(ctx); err != nil {
			return err
		}
		repo = pgOverride
		auditRepo = audit.NewPostgresStore(pool)
	} else {
		repo = rbac.NewMemoryRepository()
		auditRepo = audit.NewMemoryStore()
	}

	switch cfg.RBACPolicySource {
	case app.PolicySourceFile:
		policy = rbac.FileSource{Path: cfg.RBACPolicyFile}
	case app.PolicySourcePostgres:
		if err := seedPolicy(ctx, pgOverride, logger); err != nil {
			return err
		}
		policy = pgOverride
	default:
		policy = rbac.DefaultSource
	}

	decisionCache := rbac.NewDecisionCache(cfg.RBACCacheSize, cfg.RBACCacheTTL, rbacMetrics)

	var (
		redisClient *redis.Client
		invalidator rbac.Invalidator = decisionCache
	)
	if cfg.RBACBroadcast || cfg.RBACStore == app.StorePostgres {
		redisClient, err = cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			if cfg.RBACBroadcast {
				return fmt.Errorf("connect redis: %w", err)
			}
			logger.Warn("redis unavailable, job endpoints disabled", slog.Any("error", err))
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
		}
	}
	if cfg.RBACBroadcast && redisClient != nil {
		broadcaster := rbac.NewBroadcaster(redisClient, decisionCache, cfg.RBACInvalidationChannel, logger)
		if err := broadcaster.Listen(ctx); err != nil {
			return err
		}
		invalidator = broadcaster
	}

	auditService := audit.NewService(auditRepo)
	engine, err := rbac.NewEngine(ctx, policy, repo,
		rbac.WithDecisionCache(decisionCache),
		rbac.WithEngineInvalidator(invalidator),
		rbac.WithMetrics(rbacMetrics),
		rbac.WithLogger(logger),
		rbac.WithOverrideStoreOptions(rbac.WithAuditor(auditService)),
	)
	if err != nil {
		return err
	}

	if cfg.RBACWatchPolicy {
		watcher := rbac.NewPolicyWatcher(rbac.FileSource{Path: cfg.RBACPolicyFile}, engine, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("policy watcher stopped", slog.Any("error", err))
			}
		}()
	}

	purgeJob := jobs.NewPurgeExpiredOverridesJob(engine.Overrides(), logger, jobmetrics.NewMetrics(metrics.Registerer()))
	var jobHandler *jobs.Handler
	if cfg.RBACStore == app.StorePostgres && redisClient != nil {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		inspector := asynq.NewInspector(redisOpts)
		defer func() { _ = inspector.Close() }()
		client := jobs.NewClient(redisOpts)
		defer func() { _ = client.Close() }()
		jobHandler = jobs.NewHandler(inspector, client, engine, logger)
	} else {
		go purgeJob.Every(ctx, cfg.RBACPurgeInterval)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Verifier:           auth.NewVerifier(cfg.AuthTokenSecret, cfg.AuthTokenIssuer),
		PermissionsHandler: rbac.NewHandler(logger, engine, policy),
		AuditHandler:       audithttp.NewHandler(logger, auditService, engine),
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("store", cfg.RBACStore),
			slog.String("policy_source", cfg.RBACPolicySource),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

// seedPolicy writes the built-in policy into empty policy tables.
func seedPolicy(ctx context.Context, repo *rbac.PostgresRepository, logger *slog.Logger) error {
	def, err := repo.LoadPolicy(ctx)
	if err != nil {
		return err
	}
	if len(def.Resources) > 0 {
		return nil
	}
	logger.Info("seeding rbac policy tables with built-in policy")
	return repo.SyncPolicy(ctx, rbac.DefaultPolicy())
}

func runPolicy(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: proxapeople policy <validate|export> [flags]")
		return 2
	}
	fs := flag.NewFlagSet("policy "+args[0], flag.ContinueOnError)
	path := fs.String("file", "", "policy YAML file")
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	opts := cli.PolicyOptions{Path: *path, JSONOutput: *jsonOut}
	switch args[0] {
	case "validate":
		return cli.ValidateCommand(context.Background(), opts)
	case "export":
		return cli.ExportCommand(opts)
	default:
		fmt.Fprintf(os.Stderr, "unknown policy command %q\n", args[0])
		return 2
	}
}

type redisEnv struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func runJobs(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: proxapeople jobs <purge|stats>")
		return 2
	}
	var env redisEnv
	if err := envconfig.Process("", &env); err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: env.Addr, Password: env.Password, DB: env.DB})
	defer func() { _ = jobsCLI.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch args[0] {
	case "purge":
		info, err := jobsCLI.Trigger(ctx, jobs.TaskRBACPurgeExpiredOverrides)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs purge: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s on %s\n", info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", args[0])
		return 2
	}
	return 0
}
