// Command arbiter runs the governance core: policy evaluation with
// invariant pre-checks, the hash-chained decision ledger, and the intent
// orchestrator, behind an HTTP API.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiterhq/arbiter/pkg/api"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/governor"
	"github.com/arbiterhq/arbiter/pkg/idempotency"
	"github.com/arbiterhq/arbiter/pkg/intent"
	"github.com/arbiterhq/arbiter/pkg/invariant"
	"github.com/arbiterhq/arbiter/pkg/ledger"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/policy"
	"github.com/arbiterhq/arbiter/pkg/policy/loader"
	"github.com/arbiterhq/arbiter/pkg/resiliency"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "serve", "server":
		return runServe(stderr)
	case "verify":
		return runVerify(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: arbiter [command]

Commands:
  serve    Start the governance API server (default)
  verify   Verify ledger chain integrity against the configured store
  health   Probe a running server's /governance/health endpoint
  help     Show this help`)
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	driver := cfg.DBDriver
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
	if driver == "postgres" {
		return sql.Open("postgres", cfg.DBDSN)
	}
	return sql.Open("sqlite", cfg.DBDSN)
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	db, err := openDB(cfg)
	if err != nil {
		logger.Error("open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ledgerStore, err := ledger.NewSQLStore(db)
	if err != nil {
		logger.Error("init ledger store", "error", err)
		return 1
	}
	ledgerSvc := ledger.NewService(ledgerStore, logger)

	intentStore, err := intent.NewSQLStore(db)
	if err != nil {
		logger.Error("init intent store", "error", err)
		return 1
	}

	var idemStore idempotency.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		idemStore = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)
		logger.Info("idempotency store", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		mem := idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		defer mem.Close()
		idemStore = mem
	}

	registry := policy.NewRegistry()
	packLoader, err := loader.New(cfg.PolicyDir, logger)
	if err != nil {
		logger.Error("init policy loader", "error", err)
		return 1
	}
	packLoader.OnReload(func(packs []*policy.Pack) { registry.SetPacks(packs) })
	if err := packLoader.LoadAll(); err != nil {
		// Fail-closed: the engine denies everything until packs load, so a
		// missing or broken pack directory is startup-survivable.
		logger.Error("initial policy load failed, running default-deny", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := loader.NewWatcher(packLoader, 0, logger)
	go func() {
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("policy watcher stopped", "error", err)
		}
	}()

	metricSet := metrics.New()
	escalations := governor.NewEscalationManager()
	gov := governor.New(invariant.NewChecker(), policy.NewEngine(registry), ledgerSvc, idemStore, escalations, metricSet, logger)

	collaborators := make(map[string]*resiliency.Client, len(cfg.Collaborators))
	for name, baseURL := range cfg.Collaborators {
		client := resiliency.NewClient(name, resiliency.NewHTTPCollaborator(baseURL))
		client.Breaker().OnTransition(func(name string, state resiliency.BreakerState) {
			metricSet.BreakerTransitions.WithLabelValues(name, string(state)).Inc()
			logger.Warn("circuit breaker transition", "collaborator", name, "state", state)
		})
		collaborators[name] = client
	}

	templates, err := loadTemplates(cfg.TemplatesPath)
	if err != nil {
		logger.Error("load intent templates", "error", err)
		return 1
	}
	orch := intent.NewOrchestrator(intentStore, gov, ledgerSvc, collaborators, templates, metricSet, logger).
		WithDefaultTimeout(cfg.IntentTimeout)
	go orch.Run(ctx, cfg.WatchdogInterval)

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()

	server := api.NewServer(gov, orch, ledgerSvc, escalations, logger,
		api.WithMetrics(metricSet),
		api.WithRateLimiter(limiter),
		api.WithPolicyHealth(packLoader.Degraded),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("arbiter listening", "port", cfg.Port, "db_driver", cfg.DBDriver, "policy_dir", cfg.PolicyDir)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

// loadTemplates reads intent templates when the file exists. Templates are
// optional; without them only the policy surface runs.
func loadTemplates(path string) ([]intent.Template, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var templates []intent.Template
	if err := json.Unmarshal(raw, &templates); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return templates, nil
}

// runVerify checks every partition's hash chain in the configured store and
// reports the first break, if any.
func runVerify(stdout, stderr io.Writer) int {
	cfg := config.Load()
	db, err := openDB(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	store, err := ledger.NewSQLStore(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "init ledger store: %v\n", err)
		return 1
	}
	svc := ledger.NewService(store, slog.New(slog.NewTextHandler(stderr, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ok, partition, brokenSeq, err := svc.VerifyAll(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if !ok {
		_, _ = fmt.Fprintf(stdout, "chain BROKEN: partition=%s sequence=%d\n", partition, brokenSeq)
		return 1
	}
	count, err := svc.Count(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "count: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "chain OK: %d events verified\n", count)
	return 0
}

// runHealth probes a running server.
func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()
	url := "http://localhost:" + cfg.Port + "/governance/health"

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "health probe failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_, _ = fmt.Fprintln(stdout, string(body))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
