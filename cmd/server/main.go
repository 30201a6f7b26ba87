package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/fulfillment-dispatch/internal/assignment"
	"github.com/example/fulfillment-dispatch/internal/auth"
	"github.com/example/fulfillment-dispatch/internal/config"
	"github.com/example/fulfillment-dispatch/internal/geo"
	"github.com/example/fulfillment-dispatch/internal/httpapi"
	"github.com/example/fulfillment-dispatch/internal/ingest"
	"github.com/example/fulfillment-dispatch/internal/logging"
	"github.com/example/fulfillment-dispatch/internal/matcher"
	"github.com/example/fulfillment-dispatch/internal/notify"
	"github.com/example/fulfillment-dispatch/internal/pricing"
	"github.com/example/fulfillment-dispatch/internal/realtime"
	"github.com/example/fulfillment-dispatch/internal/settlement"
	"github.com/example/fulfillment-dispatch/internal/storage"
	"github.com/example/fulfillment-dispatch/internal/sweeper"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	var db *sql.DB
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			applyMigrations(ps.DB(), logger)
		}
		store = ps
		db = ps.DB()
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var directory geo.Directory
	if cfg.RedisAddr != "" {
		directory = geo.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory directory")
		directory = geo.NewIndex()
	}

	var kafka httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		kafka = producer
	}

	zones := pricing.NewZoneSet(loadZones(logger)...)
	engine := pricing.NewEngine(cfg.Pricing, zones)

	var gateway settlement.Gateway
	var holder assignment.Holder
	switch {
	case db != nil:
		gateway = settlement.NewPostgresGateway(db)
	case os.Getenv("STRIPE_API_KEY") != "":
		sg := settlement.NewStripeGateway(getenv("CURRENCY", "ngn"))
		gateway = sg
		holder = sg
	default:
		logger.Warn("no settlement backend configured, fund movements are logged only")
		gateway = logGateway{logger: logger}
	}

	var notifier assignment.Notifier = notify.Nop{}
	if cfg.NotifyEndpoint != "" {
		notifier = notify.NewClient(cfg.NotifyEndpoint, logger)
	}

	var verifier auth.Verifier
	if cfg.AuthEndpoint != "" {
		verifier = auth.NewHTTPVerifier(cfg.AuthEndpoint)
	} else {
		logger.Warn("AUTH_ENDPOINT not set, using static dev credentials")
		verifier = auth.StaticVerifier{
			"dev-requester": {SubjectID: "dev-requester", Role: auth.RoleRequester},
			"dev-provider":  {SubjectID: "dev-provider", Role: auth.RoleProvider},
			"dev-admin":     {SubjectID: "dev-admin", Role: auth.RoleAdmin},
		}
	}

	hub := realtime.NewHub(logger)
	settler := &settlement.Calculator{
		CommissionRate: cfg.Settlement.CommissionRate,
		Store:          store,
		Gateway:        gateway,
		Logger:         logger,
	}
	assignments := &assignment.Service{
		Store:         store,
		Pricing:       engine,
		Settler:       settler,
		Gateway:       gateway,
		Holder:        holder,
		Notifier:      notifier,
		Hub:           hub,
		Logger:        logger,
		FullRefundAge: cfg.Settlement.FullRefundAge,
		HalfRefundAge: cfg.Settlement.HalfRefundAge,
	}
	match := &matcher.Service{
		Directory:   directory,
		AvgSpeedKmh: cfg.Pricing.AvgSpeedKmh,
		TopN:        cfg.Matcher.TopN,
	}
	swp := sweeper.New(store, assignments, hub, cfg.Sweeps, logger)

	srv := httpapi.NewServer(httpapi.Deps{
		Assignments: assignments,
		Matcher:     match,
		Store:       store,
		Directory:   directory,
		Kafka:       kafka,
		Hub:         hub,
		Sweeper:     swp,
		Verifier:    verifier,
		Logger:      logger,
		Matching:    cfg.Matcher,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go swp.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("dispatch api stopped")
}

func applyMigrations(db *sql.DB, logger interface{ Info(string, ...any) }) {
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		logger.Info("migration file not found, skipping", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Info("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_init.sql")
}

// loadZones parses the optional SURGE_ZONES env var, a JSON array of
// zone objects.
func loadZones(logger interface{ Warn(string, ...any) }) []pricing.Zone {
	raw := os.Getenv("SURGE_ZONES")
	if raw == "" {
		return nil
	}
	var zones []pricing.Zone
	if err := json.Unmarshal([]byte(raw), &zones); err != nil {
		logger.Warn("SURGE_ZONES unparseable, ignoring", "error", err)
		return nil
	}
	return zones
}

type logGateway struct {
	logger interface{ Info(string, ...any) }
}

func (g logGateway) Release(_ context.Context, requestID, providerID, reason string, amount int64) error {
	g.logger.Info("release_funds", "request_id", requestID, "provider_id", providerID, "amount", amount, "reason", reason)
	return nil
}

func (g logGateway) Refund(_ context.Context, requestID, requesterID, reason string, amount int64) error {
	g.logger.Info("refund", "request_id", requestID, "requester_id", requesterID, "amount", amount, "reason", reason)
	return nil
}

func (g logGateway) RequestPayout(_ context.Context, providerID, bankDetails string, amount int64) error {
	g.logger.Info("payout_request", "provider_id", providerID, "amount", amount)
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
