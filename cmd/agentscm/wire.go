package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/agentscm/pkg/api"
	"github.com/Mindburn-Labs/agentscm/pkg/audit"
	"github.com/Mindburn-Labs/agentscm/pkg/config"
	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
	"github.com/Mindburn-Labs/agentscm/pkg/ledger"
	"github.com/Mindburn-Labs/agentscm/pkg/observability"
	"github.com/Mindburn-Labs/agentscm/pkg/oracle"
	"github.com/Mindburn-Labs/agentscm/pkg/payments"
	"github.com/Mindburn-Labs/agentscm/pkg/settlement"
	"github.com/Mindburn-Labs/agentscm/pkg/stream"
)

// app is the fully wired service.
type app struct {
	cfg     *config.Config
	log     *audit.FileLog
	server  *api.Server
	obs     *observability.Provider
	closers []func() error
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.obs != nil {
		if err := a.obs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := config.ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// buildApp wires every collaborator from cfg. On error, anything already
// opened is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.obs, err = observability.New(ctx, cfg.Observability())
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a.log, err = audit.Open(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.log.Close)

	orc, err := buildOracle(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var (
		store  ledger.Ledger   = ledger.NewMemoryLedger()
		replay api.ReplayStore = api.NewMemoryReplayStore(cfg.ReplayTTL)
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		store = ledger.NewRedisLedger(rdb, "", cfg.ReservationTTL)
		replay = api.NewRedisReplayStore(rdb, "", cfg.ReplayTTL)
		logger.Info("using redis ledger", "addr", cfg.RedisAddr)
	}

	rail, fx := buildPayments(cfg, logger)

	opts := []settlement.Option{
		settlement.WithWallets(settlement.Wallets{Source: cfg.SourceWallet, Destination: cfg.DestWallet}),
		settlement.WithTelemetry(a.obs),
		settlement.WithLogger(logger),
	}
	if fx != nil {
		opts = append(opts, settlement.WithFXDesk(fx))
	}

	var catalog *delivery.Catalog
	if cfg.CatalogPath != "" {
		catalog, err = delivery.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, settlement.WithInvoices(catalog))
	}

	orch, err := settlement.New(orc, store, rail, a.log, opts...)
	if err != nil {
		return nil, err
	}

	hub := stream.NewHub(a.log,
		stream.WithMaxSubscribers(cfg.MaxSubscribers),
		stream.WithHeartbeat(cfg.Heartbeat),
		stream.WithLogger(logger))

	serverOpts := []api.Option{
		api.WithGuard(api.NewGuard(cfg.BackendAPIKey, cfg.JWTSecret, cfg.JWTIssuer)),
		api.WithOrigin(cfg.FrontendOrigin),
		api.WithReplayStore(replay),
		api.WithRateLimits(cfg.EventsPerMinute, cfg.ReadsPerMinute),
		api.WithTelemetry(a.obs),
		api.WithLogger(logger),
	}
	if catalog != nil {
		serverOpts = append(serverOpts, api.WithShipments(catalog))
	}
	a.server, err = api.NewServer(orch, a.log, hub, serverOpts...)
	if err != nil {
		return nil, err
	}

	logger.Info("settlement pipeline ready",
		"oracle", orch.OracleName(),
		"audit_log", a.log.Path(),
		"auth", cfg.BackendAPIKey != "" || cfg.JWTSecret != "",
		"fx", fx != nil)
	return a, nil
}

func buildOracle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (oracle.Oracle, error) {
	var extra []oracle.Rule
	if cfg.RulesPath != "" {
		rules, err := oracle.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		extra = rules
	}

	remoteOpts := []oracle.RemoteOption{oracle.WithTimeout(cfg.OracleTimeout), oracle.WithLogger(logger)}
	switch cfg.OracleMode() {
	case config.OracleGemini:
		m, err := oracle.NewGeminiModel(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		return oracle.NewRemoteOracle(m, remoteOpts...), nil
	case config.OracleChat:
		m := oracle.NewChatModel(cfg.ChatEndpoint, cfg.ChatAPIKey, cfg.ChatModel, &http.Client{Timeout: cfg.OracleTimeout})
		return oracle.NewRemoteOracle(m, remoteOpts...), nil
	default:
		return oracle.NewRuleBasedOracle(extra...)
	}
}

func buildPayments(cfg *config.Config, logger *slog.Logger) (payments.Dispatcher, payments.FXDesk) {
	client := &http.Client{Timeout: 30 * time.Second}

	var rail payments.Dispatcher
	if cfg.RailURL != "" {
		rail = payments.NewHTTPRail(payments.HTTPConfig{
			BaseURL:         cfg.RailURL,
			ExplorerURL:     cfg.ExplorerURL,
			APIKey:          cfg.RailAPIKey,
			PaymasterConfig: cfg.PaymasterConfig,
			Client:          client,
		})
	} else {
		logger.Warn("no payment rail configured, settling on the simulator")
		rail = payments.NewSimulatedRail(cfg.ExplorerURL)
	}

	switch {
	case cfg.FXEndpoint != "":
		return rail, payments.NewHTTPFXDesk(cfg.FXEndpoint, cfg.FXAPIKey, client)
	case cfg.FXSimulated:
		return rail, payments.NewSimulatedFXDesk(nil)
	default:
		return rail, nil
	}
}
