// Command opsentry runs the autonomous action safety pipeline server.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/opsentry/opsentry/pkg/api"
	"github.com/opsentry/opsentry/pkg/approval"
	"github.com/opsentry/opsentry/pkg/audit"
	"github.com/opsentry/opsentry/pkg/config"
	"github.com/opsentry/opsentry/pkg/contracts"
	"github.com/opsentry/opsentry/pkg/executor"
	"github.com/opsentry/opsentry/pkg/lock"
	"github.com/opsentry/opsentry/pkg/notify"
	"github.com/opsentry/opsentry/pkg/observability"
	"github.com/opsentry/opsentry/pkg/orchestrator"
	"github.com/opsentry/opsentry/pkg/policy"
	"github.com/opsentry/opsentry/pkg/risk"
	"github.com/opsentry/opsentry/pkg/snapshot"
	"github.com/opsentry/opsentry/pkg/validation"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "opsentry",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTELEnabled,
		Insecure:     true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		os.Exit(1)
	}

	// Record store and audit sink.
	store, auditSink, closeDB, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	// Policy evaluator: remote HTTP when configured, otherwise a local
	// CEL bundle. The gate is fail-closed either way.
	evaluator, err := buildEvaluator(cfg)
	if err != nil {
		logger.Error("policy evaluator init failed", "error", err)
		os.Exit(1)
	}
	gate := policy.NewGate(evaluator, policy.GateConfig{})

	// Approval plumbing.
	var signer *approval.CallbackSigner
	if cfg.CallbackSecret != "" {
		signer = approval.NewCallbackSigner([]byte(cfg.CallbackSecret))
	}
	var dispatcher notify.Dispatcher = notify.NewLogDispatcher()
	if cfg.WebhookURL != "" {
		dispatcher = notify.NewWebhookDispatcher(cfg.WebhookURL)
	}
	approvals := approval.NewCoordinator(dispatcher, approval.Config{
		PrimaryTimeout:    cfg.PrimaryTimeout,
		EscalationTimeout: cfg.EscalateTimeout,
		CallbackBaseURL:   cfg.CallbackBaseURL,
		Signer:            signer,
	})

	// Snapshots, optionally offloaded to S3.
	snapOpts := []snapshot.Option{}
	if cfg.SnapshotBucket != "" {
		blobs, err := snapshot.NewS3BlobStore(ctx, snapshot.S3Config{
			Bucket: cfg.SnapshotBucket,
			Region: cfg.AWSRegion,
			Prefix: "snapshots/",
		})
		if err != nil {
			logger.Error("s3 blob store init failed", "error", err)
			os.Exit(1)
		}
		snapOpts = append(snapOpts, snapshot.WithBlobStore(blobs, 64*1024))
	}
	snapshots := snapshot.NewStore(snapOpts...)

	// Executors. The local executor ships for development; production
	// connectors register here.
	registry := executor.NewRegistry()
	registry.SetFallback(executor.NewLocalExecutor())

	orch := orchestrator.New(orchestrator.Deps{
		Classifier: risk.NewClassifier(),
		Gate:       gate,
		Snapshots:  snapshots,
		Approvals:  approvals,
		Validator:  validation.NewLoop(validation.Config{DefaultTimeout: cfg.ValidationTimeout}),
		Executors:  registry,
		Store:      store,
		Audit:      auditSink,
		Params:     contracts.NewParamValidator(),
		Notifier:   dispatcher,
		Observer:   obs,
	}, orchestrator.Config{
		MaxLifetime:       cfg.MaxLifetime,
		ValidationTimeout: cfg.ValidationTimeout,
		NotifyChannel:     "webhook",
	})

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	apiServer := api.NewServer(orch, approvals, signer, limiter)
	if cfg.RedisAddr != "" {
		// The API releases locks at the terminal state; the TTL only
		// covers a crash between acquire and release.
		locks := lock.NewRedisLock(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.MaxLifetime)
		defer func() { _ = locks.Close() }()
		apiServer.WithResourceLocks(locks)
	}
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("opsentry listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	orch.Wait()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability shutdown", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// openStores picks the persistence backend: Postgres when DATABASE_URL
// is set, SQLite otherwise. The audit trail goes to SQLite alongside
// stdout; with Postgres records, audit stays on the JSON-line sink.
func openStores(ctx context.Context, cfg *config.Config) (orchestrator.RecordStore, audit.Sink, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		store := orchestrator.NewPostgresRecordStore(db)
		sink := audit.NewBestEffort(audit.NewWriterSink(), 500*time.Millisecond)
		return store, sink, func() { _ = db.Close() }, nil
	}

	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := orchestrator.NewSQLiteRecordStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	sqlSink, err := audit.NewSQLiteSink(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	sink := audit.NewBestEffort(sqlSink, 500*time.Millisecond)
	return store, sink, func() { _ = db.Close() }, nil
}

func buildEvaluator(cfg *config.Config) (policy.Evaluator, error) {
	if cfg.PolicyURL != "" {
		return policy.NewHTTPEvaluator(cfg.PolicyURL), nil
	}
	if cfg.PolicyBundlePath != "" {
		bundle, err := policy.LoadBundle(cfg.PolicyBundlePath)
		if err != nil {
			return nil, err
		}
		return policy.NewCELEvaluator(bundle)
	}
	// No policy source configured: a conservative built-in bundle that
	// blocks critical-risk changes in production and allows the rest.
	return policy.NewCELEvaluator(policy.Bundle{
		Version: "builtin-1",
		Default: "allow",
		Rules: []policy.Rule{
			{
				Name:   "block-critical-production",
				When:   `request.environment == "production" && request.risk_level == "critical"`,
				Effect: "deny",
				Reason: "critical-risk changes in production require an explicit policy bundle",
			},
		},
	})
}
