package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/borrowbot/keeper/internal/chain"
	"github.com/borrowbot/keeper/internal/config"
	"github.com/borrowbot/keeper/internal/ens"
	"github.com/borrowbot/keeper/internal/handler"
	"github.com/borrowbot/keeper/internal/health"
	"github.com/borrowbot/keeper/internal/journal"
	"github.com/borrowbot/keeper/internal/market"
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/monitor"
	"github.com/borrowbot/keeper/internal/notify"
	"github.com/borrowbot/keeper/internal/pkg/cache"
	"github.com/borrowbot/keeper/internal/pkg/httpjson"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/pricing"
	"github.com/borrowbot/keeper/internal/protocol"
	"github.com/borrowbot/keeper/internal/relayer"
	"github.com/borrowbot/keeper/internal/repository"
	"github.com/borrowbot/keeper/internal/signer"
	"github.com/borrowbot/keeper/internal/txbuilder"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/redis/go-redis/v9"
)

func main() {
	once := flag.Bool("once", false, "run a single monitoring cycle and exit")
	flag.Parse()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.InitWithFormat(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Chain access
	chainOpts := chain.Options{
		RateLimit: cfg.Chain.RateLimit,
		RateBurst: cfg.Chain.RateBurst,
		Timeout:   time.Duration(cfg.Chain.CallTimeoutMs) * time.Millisecond,
		Retries:   cfg.Chain.CallRetries,
	}
	reader, eth, err := chain.Dial(ctx, cfg.Chain.RPCURL, chainOpts)
	if err != nil {
		log.Fatalf("Failed to connect to chain RPC: %v", err)
	}
	defer eth.Close()

	loanAsset := common.HexToAddress(cfg.Contracts.LoanAsset)
	vault := common.HexToAddress(cfg.Contracts.Vault)
	morpho := common.HexToAddress(cfg.Contracts.Morpho)
	protocolReader := protocol.NewReader(reader, morpho)

	// 3. Persistence
	db, err := repository.NewDB(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	store := repository.NewGormStore(db)
	if err := store.AutoMigrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	defer store.Close()

	redisClient, err := repository.NewRedisClient(cfg)
	if err != nil {
		logger.Error("Failed to connect to Redis, using in-process cache and leases", "error", err)
		redisClient = nil
	} else if redisClient != nil {
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
		defer redisClient.Close()
	}

	jrnl, err := journal.New(journal.Options{
		Dir:        cfg.Journal.Dir,
		MaxSizeMB:  cfg.Journal.MaxSizeMB,
		MaxBackups: cfg.Journal.MaxBackups,
		MaxAgeDays: cfg.Journal.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to open action journal: %v", err)
	}
	defer jrnl.Close()
	recorder := monitor.NewRecorder(store, jrnl)

	// 4. Market data, prices and signals
	httpClient := httpjson.NewClient(15 * time.Second)
	markets := market.NewMorphoClient(cfg.Market.GraphQLURL, httpClient, map[int64]common.Address{cfg.Chain.ID: loanAsset})

	var providers []pricing.Provider
	var history pricing.HistorySource
	if cfg.Prices.AlchemyAPIKey != "" {
		alchemy := pricing.NewAlchemy(cfg.Prices.AlchemyBaseURL, cfg.Prices.AlchemyAPIKey, httpClient)
		providers = append(providers, alchemy)
		history = alchemy
	}
	if cfg.Prices.MoralisAPIKey != "" {
		providers = append(providers, pricing.NewMoralis(cfg.Prices.MoralisBaseURL, cfg.Prices.MoralisAPIKey, httpClient))
	}
	if len(providers) == 0 {
		log.Fatalf("No price provider configured: set prices.alchemy_api_key or prices.moralis_api_key")
	}
	prices := pricing.NewService(newCache[model.AssetPrice](redisClient, cfg, "price:", cfg.Cache.PriceTTL()), providers...)

	services := monitor.Services{}
	if history != nil {
		services.Analysis = pricing.NewAnalyzer(prices, history,
			newCache[model.PriceAnalysis](redisClient, cfg, "analysis:", cfg.Cache.AnalysisTTL()))
	}
	services.Yield = market.NewVaultYield(protocolReader, eth,
		newCache[float64](redisClient, cfg, "yield:", cfg.Cache.YieldTTL()),
		market.YieldOptions{
			Vault:       vault,
			Lookback:    time.Duration(cfg.Market.YieldWindowHours) * time.Hour,
			FallbackAPY: cfg.Market.FallbackAPY,
		})

	if cfg.ENS.RPCURL != "" {
		ensReader, ensClient, err := chain.Dial(ctx, cfg.ENS.RPCURL, chainOpts)
		if err != nil {
			logger.Error("ENS RPC unavailable, constitutions disabled", "error", err)
		} else {
			defer ensClient.Close()
			services.Constitutions = ens.NewReader(ensReader, common.HexToAddress(cfg.ENS.Resolver),
				newCache[model.Constitution](redisClient, cfg, "constitution:", cfg.Cache.ConstitutionTTL()))
		}
	}

	var sender notify.TextSender = notify.Noop{}
	if cfg.Telegram.BotToken != "" {
		sender = notify.NewTelegram(cfg.Telegram.APIBase, cfg.Telegram.BotToken, httpClient)
	} else {
		logger.Warn("Telegram bot token not set, notifications disabled")
	}
	services.Notifier = notify.NewService(sender, recorder)

	// 5. Execution
	keys, err := signer.NewKeyring(cfg.Signer.AgentKeys)
	if err != nil {
		log.Fatalf("Failed to load agent keys: %v", err)
	}
	var executor monitor.Executor
	if cfg.Relayer.URL != "" {
		bundler, err := rpc.DialContext(ctx, cfg.Relayer.URL)
		if err != nil {
			log.Fatalf("Failed to connect to relayer: %v", err)
		}
		defer bundler.Close()
		extra := []common.Address{loanAsset, vault, morpho}
		for _, a := range cfg.Relayer.ExtraAllowed {
			extra = append(extra, common.HexToAddress(a))
		}
		executor = relayer.NewClient(bundler, eth, reader, relayer.Options{
			ChainID:      cfg.Chain.ID,
			EntryPoint:   common.HexToAddress(cfg.Contracts.EntryPoint),
			SponsorGas:   cfg.Relayer.SponsorGas,
			PollInterval: cfg.Relayer.PollInterval(),
			MaxWait:      cfg.Relayer.MaxWait(),
			Allow:        relayer.DefaultAllowList(extra...),
		})
	} else {
		logger.Warn("Relayer URL not set, automatic actions will fail with a config error")
	}

	// 6. Monitor
	deps := monitor.Deps{
		Store:   store,
		Markets: markets,
		Prices:  prices,
		Chain:   protocolReader,
		Engine: health.NewEngine(health.Params{
			MarginUpper:         cfg.Health.MarginUpper,
			MarginLower:         cfg.Health.MarginLower,
			MinActionUSD:        cfg.Health.MinActionUSD,
			MinOptimizeGainUSD:  cfg.Health.MinOptimizeGainUSD,
			VolatilityThreshold: cfg.Health.VolatilityThreshold,
		}),
		Builder:  txbuilder.New(cfg.Chain.ID, loanAsset, vault, morpho),
		Executor: executor,
		Keys:     monitor.Keyring(keys),
		Context:  monitor.NewContext(services),
		Recorder: recorder,
	}
	if redisClient != nil {
		deps.Lease = repository.NewRedisLease(redisClient, cfg.Redis.KeyPrefix)
	}
	mon := monitor.New(deps, monitor.Options{
		ChainID:           cfg.Chain.ID,
		Interval:          cfg.Monitor.Interval(),
		Concurrency:       cfg.Monitor.Concurrency,
		CriticalThreshold: cfg.Monitor.CriticalThreshold,
		WarnInterval:      hours(cfg.Monitor.WarnIntervalHours),
		UrgentInterval:    hours(cfg.Monitor.UrgentIntervalHours),
		DigestInterval:    hours(cfg.Monitor.DigestIntervalHours),
		IdleSweepMinUSD:   cfg.Monitor.IdleSweepMinUSD,
		DryRun:            cfg.Monitor.DryRun,
	})

	if *once {
		report, err := mon.RunCycle(ctx)
		if err != nil {
			log.Fatalf("Cycle failed: %v", err)
		}
		logger.Info("Single cycle finished", "checked", report.Checked, "executed", report.Executed, "failed", report.Failed)
		return
	}

	// 7. Ops API
	router := handler.NewRouter(
		handler.NewPositionHandler(mon),
		handler.NewActionHandler(store, jrnl),
		handler.RouterOptions{AdminKey: cfg.Server.AdminKey, DryRun: cfg.Monitor.DryRun, RateLimit: 5},
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Ops API listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	// 8. Run until signalled, then drain
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mon.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("Shutting down keeper...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Monitor did not stop before shutdown deadline")
	}
	logger.Info("Keeper exiting")
}

// newCache picks Redis when it is reachable so several keeper replicas
// share upstream reads.
func newCache[V any](client *redis.Client, cfg *config.Config, kind string, ttl time.Duration) cache.Cache[V] {
	policy := cache.Policy{TTL: ttl, Capacity: cfg.Cache.Capacity}
	if client != nil {
		return cache.NewRedis[V](client, cfg.Redis.KeyPrefix+kind, policy)
	}
	return cache.NewMemory[V](policy)
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
