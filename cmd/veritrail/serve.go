package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/redis/go-redis/v9"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/api"
	"github.com/veritrail/core/pkg/config"
	"github.com/veritrail/core/pkg/escrow"
	"github.com/veritrail/core/pkg/export"
	"github.com/veritrail/core/pkg/identity"
	"github.com/veritrail/core/pkg/ledger"
	"github.com/veritrail/core/pkg/observability"
	"github.com/veritrail/core/pkg/oracle"
	"github.com/veritrail/core/pkg/payments"
	"github.com/veritrail/core/pkg/provenance"
	"github.com/veritrail/core/pkg/scheduler"
	"github.com/veritrail/core/pkg/sla"
	"github.com/veritrail/core/pkg/store"
	"github.com/veritrail/core/pkg/verification"

	_ "github.com/lib/pq" // Postgres Driver
)

func runServer() {
	fmt.Fprintf(os.Stdout, "%sVeritrail Core starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	// Observability: enabled only when an endpoint is configured.
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	// Policy profile, if configured.
	var profile *config.Profile
	if cfg.ProfilePath != "" {
		profile, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatalf("Failed to load profile: %v", err)
		}
		logger.Info("profile loaded", "name", profile.Name, "path", cfg.ProfilePath)
	}

	// Durable unit store: SQLite always, for both units and escrows.
	sqliteStore, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer sqliteStore.Close()

	// Escrow agreements optionally move to a shared Postgres backend.
	var escrowPersister escrow.Persister = sqliteStore
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Postgres ping failed: %v", err)
		}
		defer db.Close()
		escrowPersister = store.NewPostgresEscrowStore(db)
		logger.Info("postgres escrow store connected")
	}

	// Core wiring.
	anchorer := anchor.NewChainAnchorer(64)
	mirror := ledger.NewMirror(4096)
	units := provenance.NewStore(anchorer, mirror).WithPersister(sqliteStore)

	oracleOpts := oracle.DefaultOptions()
	if profile != nil {
		if profile.Oracle.SkewTolerance > 0 {
			oracleOpts.SkewTolerance = profile.Oracle.SkewTolerance
		}
		if profile.Oracle.WindowSize > 0 {
			oracleOpts.WindowSize = profile.Oracle.WindowSize
		}
		if profile.Oracle.VerifyTimeout > 0 {
			oracleOpts.VerifyTimeout = profile.Oracle.VerifyTimeout
		}
		if profile.Oracle.SubmitRate > 0 {
			oracleOpts.SubmitRate = rate.Limit(profile.Oracle.SubmitRate)
		}
		if profile.Oracle.SubmitBurst > 0 {
			oracleOpts.SubmitBurst = profile.Oracle.SubmitBurst
		}
	}
	ingest := oracle.NewIngest(anchorer, mirror, oracleOpts)

	policy := penaltyPolicy(profile, logger)
	rail := payments.NewMemoryRail().AllowOverdraft()
	escrows := escrow.NewEngine(units, ingest, rail, policy, mirror).
		WithPersister(escrowPersister).
		WithOpenGauge(obs.EscrowOpened)

	thresholds := verification.DefaultThresholds()
	if profile != nil && profile.Scoring.MinHistoryLength > 0 {
		thresholds.MissingFieldPenalty = profile.Scoring.MissingFieldPenalty
		thresholds.MinHistoryLength = profile.Scoring.MinHistoryLength
		thresholds.OpacityPenalty = profile.Scoring.OpacityPenalty
		thresholds.FreshnessWindow = profile.Scoring.FreshnessWindow
		thresholds.StalenessPenalty = profile.Scoring.StalenessPenalty
		thresholds.ViolationPenalty = profile.Scoring.ViolationPenalty
	}
	scorer := verification.NewScorer(units, escrows, thresholds)

	bundleStore, err := export.NewFileStore("bundles")
	if err != nil {
		log.Fatalf("Failed to init bundle store: %v", err)
	}
	exporter := export.NewExporter(units, scorer, mirror, bundleStore)

	svc, err := api.NewService(units, ingest, escrows, scorer, mirror, exporter)
	if err != nil {
		log.Fatalf("Failed to init API: %v", err)
	}

	idem := idempotencyStore(cfg, logger)
	router := svc.Router(api.RouterOptions{
		Identity:    identity.NewProvider([]byte(cfg.MasterSecret)),
		Idempotency: idem,
		RateLimit:   api.NewGlobalRateLimiter(50, 100),
		Telemetry:   obs,
	})

	// Background settlement sweeper.
	sweepOpts := scheduler.DefaultOptions()
	if profile != nil {
		if profile.Scheduler.Interval > 0 {
			sweepOpts.Interval = profile.Scheduler.Interval
		}
		if profile.Scheduler.Horizon > 0 {
			sweepOpts.Horizon = profile.Scheduler.Horizon
		}
	}
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go scheduler.New(escrows, sweepOpts).Run(sweepCtx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown", "error", err)
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

// penaltyPolicy compiles the profile's CEL expression when present; bad
// expressions fall back to the flat per-violation policy rather than
// refusing to start.
func penaltyPolicy(profile *config.Profile, logger *slog.Logger) sla.PenaltyPolicy {
	if profile == nil {
		return sla.NewFixedUnitPolicy(sla.DefaultPenaltyUnit)
	}
	if profile.Penalty.Expression != "" {
		p, err := sla.NewCELPolicy(profile.Penalty.Expression)
		if err != nil {
			logger.Warn("penalty expression rejected, using fixed-unit policy", "error", err)
		} else {
			return p
		}
	}
	unit := profile.Penalty.Unit
	if unit <= 0 {
		unit = sla.DefaultPenaltyUnit
	}
	return sla.NewFixedUnitPolicy(unit)
}

func idempotencyStore(cfg *config.Config, logger *slog.Logger) api.IdempotencyStorer {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		logger.Info("redis idempotency store configured", "addr", cfg.RedisAddr)
		return api.NewRedisIdempotencyStore(client, 24*time.Hour)
	}
	return api.NewIdempotencyStore(24 * time.Hour)
}
