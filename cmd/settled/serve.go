package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/x402-foundation/x402/settle"
	"github.com/x402-foundation/x402/settle/audit"
	"github.com/x402-foundation/x402/settle/builder"
	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/config"
	settlehttp "github.com/x402-foundation/x402/settle/http"
	"github.com/x402-foundation/x402/settle/mcp"
	"github.com/x402-foundation/x402/settle/node"
	"github.com/x402-foundation/x402/settle/ops"
	"github.com/x402-foundation/x402/settle/paygate"
	"github.com/x402-foundation/x402/settle/price"
	"github.com/x402-foundation/x402/settle/replay"
	"github.com/x402-foundation/x402/settle/seal"
	"github.com/x402-foundation/x402/settle/signer"
	"github.com/x402-foundation/x402/settle/store"
	"github.com/x402-foundation/x402/settle/types"
	"github.com/x402-foundation/x402/settle/validate"
)

const (
	shutdownTimeout     = 15 * time.Second
	startupCheckTimeout = 5 * time.Second
)

var errNoOracle = errors.New("no price oracle configured")

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement API, MCP endpoint and ops probes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func newGate(cfg config.Config, checker paygate.ReplayChecker, opts ...paygate.Option) (*paygate.Gate, error) {
	treasury, err := chain.ParseAddress(cfg.Payment.Treasury)
	if err != nil {
		return nil, err
	}
	return paygate.New(paygate.Terms{
		Network:       cfg.Network,
		AssetID:       cfg.Payment.AssetID,
		AssetSymbol:   cfg.Payment.AssetSymbol,
		AssetDecimals: cfg.Payment.AssetDecimals,
		Amount:        cfg.Payment.Amount,
		PayTo:         treasury,
		ChallengeTTL:  cfg.Payment.ChallengeTTL,
	}, checker, opts...), nil
}

func newOracle(cfg config.OracleConfig) price.Oracle {
	if cfg.URL == "" {
		return price.OracleFunc(func(context.Context) (price.Quote, error) {
			return price.Quote{}, errNoOracle
		})
	}
	return price.NewHTTPOracle(price.HTTPOracleConfig{
		URL:     cfg.URL,
		Pair:    cfg.Pair,
		Timeout: cfg.Timeout,
	})
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	treasury, err := chain.ParseAddress(cfg.Payment.Treasury)
	if err != nil {
		return err
	}

	var (
		replayCache replay.Cache
		outcomes    settle.OutcomeStore
		rdb         *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The firewall falls back to memory; the outcome store fails closed.
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
		}
		replayCache = replay.NewRedisCache(rdb, "")
		outcomes = store.NewRedisOutcomeStore(rdb, store.WithOutcomeTTL(cfg.Export.OutcomeTTL))
	} else {
		logger.Info().Msg("no redis configured, replay and idempotency state kept in memory")
		outcomes = settle.NewOutcomeCache(cfg.Export.OutcomeTTL)
	}

	firewall := replay.NewFirewall(replayCache,
		replay.WithWindow(cfg.Replay.Window),
		replay.WithSkew(cfg.Replay.Skew),
		replay.WithLogger(logger.With().Str("component", "replay").Logger()),
	)
	defer firewall.Close()

	gate, err := newGate(cfg, firewall, paygate.WithLogger(logger.With().Str("component", "paygate").Logger()))
	if err != nil {
		return err
	}

	sealer, err := seal.NewFromHex(cfg.Export.SealKey)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	nodeClient := node.NewClient(node.Config{
		URL:        cfg.Node.URL,
		Token:      cfg.Node.Token,
		WaitRounds: cfg.Node.WaitRounds,
		Timeout:    cfg.Node.Timeout,
	})

	checkCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	if err := nodeClient.CheckAsset(checkCtx, cfg.Payment.AssetID, cfg.Payment.AssetSymbol, cfg.Payment.AssetDecimals); err != nil {
		logger.Warn().Err(err).Uint64("asset_id", cfg.Payment.AssetID).Msg("payment asset check failed")
	}
	cancel()

	b, err := builder.New(builder.Config{
		PaymentAssetID:      cfg.Payment.AssetID,
		Treasury:            treasury,
		Network:             cfg.Network,
		DefaultTollAmount:   cfg.Payment.Amount,
		DefaultSlippageBips: cfg.Payment.SlippageBips,
		BridgeAppID:         cfg.Payment.BridgeAppID,
	}, nodeClient, sealer, builder.WithLogger(logger.With().Str("component", "builder").Logger()))
	if err != nil {
		return err
	}

	gatekeeper := validate.New(validate.Config{
		PaymentAssetID: cfg.Payment.AssetID,
		Treasury:       treasury,
		MaxStaleness:   cfg.Oracle.MaxStaleness,
		OracleTimeout:  cfg.Oracle.Timeout,
		StrictOracle:   cfg.Oracle.Strict,
	}, newOracle(cfg.Oracle), validate.WithLogger(logger.With().Str("component", "validate").Logger()))

	authority, err := signer.NewLocal(signer.Config{
		Keys:     cfg.Signer.Keys,
		Secret:   []byte(cfg.Signer.Secret),
		TokenTTL: cfg.Signer.TokenTTL,
	})
	if err != nil {
		return err
	}
	if len(cfg.Signer.Keys) == 0 {
		logger.Warn().Msg("no signer keys configured, every settlement will fail at authenticate")
	}

	meterProvider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(meterProvider)
	metricsSink, err := audit.NewMetricsSink(otel.Meter(audit.MeterName))
	if err != nil {
		return err
	}
	emitter := audit.NewEmitter(logger, audit.NewLogSink(logger.With().Str("component", "audit").Logger()), metricsSink)

	pipeline := settle.NewPipeline(gatekeeper, authority, nodeClient,
		settle.WithSealVerifier(sealer),
		settle.WithPipelineLogger(logger.With().Str("component", "pipeline").Logger()),
	)
	pipeline.OnOutcome(emitter.Emit)
	pipeline.OnFailed(func(e types.AuditEvent) {
		if f := e.Outcome.Failure; f != nil && f.IsPolicyBreach {
			logger.Error().
				Str("export_id", e.ExportID).
				Str("stage", string(f.FailedStage)).
				Msg("ledger policy refused a validated export")
		}
	})

	svc := settle.NewService(gate, b, pipeline,
		settle.WithOutcomeStore(outcomes),
		settle.WithServiceLogger(logger.With().Str("component", "service").Logger()),
	)

	gin.SetMode(gin.ReleaseMode)
	router := settlehttp.NewServer(svc, settlehttp.WithLogger(logger.With().Str("component", "http").Logger())).Handler()
	if cfg.Server.MCP {
		mcpHandler := gin.WrapH(mcp.Handler(mcp.NewServer(svc, version, mcp.WithLogger(logger.With().Str("component", "mcp").Logger()))))
		router.GET("/mcp", mcpHandler)
		router.POST("/mcp", mcpHandler)
	}

	opsOpts := []ops.Option{
		ops.WithLogger(logger.With().Str("component", "ops").Logger()),
		ops.WithVersion(version),
		ops.WithCheck("node", nodeClient),
	}
	if rdb != nil {
		opsOpts = append(opsOpts, ops.WithCheck("redis", ops.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})))
	}
	opsServer := ops.NewServer(opsOpts...)

	servers := []*http.Server{
		{Addr: cfg.Server.Listen, Handler: router, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.Server.OpsListen, Handler: opsServer.Handler(), ReadHeaderTimeout: 5 * time.Second},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		errs = append(errs, meterProvider.Shutdown(shutdownCtx))
		logger.Info().Msg("shut down")
		return errors.Join(errs...)
	})
	return g.Wait()
}
