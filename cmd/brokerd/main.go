package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/ethclient"
	"gorm.io/gorm"

	"otcbroker/broker"
	"otcbroker/broker/storage"
	"otcbroker/chain"
	"otcbroker/chain/evm"
	"otcbroker/chain/utxo"
	"otcbroker/config"
	"otcbroker/deal"
	"otcbroker/observability/logging"
	telemetry "otcbroker/observability/otel"
	"otcbroker/recon"
	"otcbroker/server"
	"otcbroker/wallet"
)

// evmCoinType is the BIP44 registered coin type for Ethereum-family ledgers.
const evmCoinType = 60

func main() {
	configFile := flag.String("config", "./brokerd.toml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "brokerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.Options{
		Service:    "brokerd",
		Env:        cfg.Service.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if cfg.Telemetry.Enable {
		shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName:    "brokerd",
			Environment:    cfg.Service.Environment,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:        cfg.Telemetry.Metrics,
			Traces:         cfg.Telemetry.Traces,
			SampleRatio:    cfg.Telemetry.SampleRatio,
			MetricInterval: cfg.Telemetry.Interval.Duration,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	if err := os.MkdirAll(cfg.Service.DataDir, 0o700); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	db, err := deal.Open(cfg.Store.DealDriver, dataPath(cfg, cfg.Store.DealDSN, cfg.Store.DealDriver == "sqlite"))
	if err != nil {
		return err
	}
	deals := deal.NewStore(db)
	if err := deals.Migrate(); err != nil {
		return fmt.Errorf("migrate deal store: %w", err)
	}

	payouts, err := storage.Open(dataPath(cfg, cfg.Store.PayoutPath, true))
	if err != nil {
		return err
	}
	defer payouts.Close()

	checkpoints, err := broker.OpenCheckpoints(dataPath(cfg, cfg.Store.CheckpointPath, true), nil)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	directory, err := wallet.OpenDirectory(dataPath(cfg, cfg.Wallet.Directory, true))
	if err != nil {
		return err
	}
	defer directory.Close()

	seed, err := resolveSeed(cfg)
	if err != nil {
		return err
	}

	registry := chain.NewRegistry()
	settings := make(map[string]broker.LedgerSettings, len(cfg.Ledgers))
	for _, ledger := range cfg.Ledgers {
		adapter, err := buildAdapter(ledger, seed, directory, logger)
		if err != nil {
			return fmt.Errorf("ledger %s: %w", ledger.ID, err)
		}
		if err := registry.Register(adapter); err != nil {
			return err
		}
		floor, err := ledger.ReserveFloorInt()
		if err != nil {
			return err
		}
		settings[ledger.ID] = broker.LedgerSettings{
			Operator:         ledger.Operator,
			FeeRecipient:     ledger.FeeRecipient,
			Reserve:          ledger.Reserve,
			MinConfirmations: ledger.MinConfirmations,
			ConfirmTarget:    ledger.ConfirmTarget,
			NativeAsset:      ledger.NativeAsset,
			ReserveFloor:     floor,
		}
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), time.Minute)
	if err := registry.Init(initCtx); err != nil {
		// Adapters start degraded rather than blocking the process; a
		// ledger that is down now is retried on the next worker tick.
		logger.Warn("adapter init degraded", "error", err.Error())
	}
	cancelInit()

	fees, err := deal.LoadFeePolicy(cfg.Fees.PolicyFile, nil)
	if err != nil {
		return fmt.Errorf("load fee policy: %w", err)
	}
	dealService := deal.NewService(deals, registry, fees, cfg.Fees.Decimals, logger)

	orchestrator := broker.NewOrchestrator(deals, payouts, registry, checkpoints, broker.Config{
		Settings:      settings,
		DriveInterval: cfg.Broker.DriveInterval.Duration,
		AutoSettle:    cfg.Broker.AutoSettle,
	}, logger)
	watcher := broker.NewWatcher(deals, registry, checkpoints, settings, logger)
	watcher.SetPollInterval(cfg.Broker.PollInterval.Duration)
	queue := broker.NewQueue(deals, payouts, registry, checkpoints, settings, logger)
	queue.SetInterval(cfg.Broker.QueueInterval.Duration)
	recovery := broker.NewRecovery(payouts, registry, logger)
	recovery.SetStuckAfter(cfg.Broker.StuckAfter.Duration)

	auth, err := server.NewAuthenticator(server.AuthConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		MaxSkew:  cfg.Auth.MaxSkew.Duration,
	})
	if err != nil {
		return err
	}
	api, err := server.New(server.Config{
		Deals:             dealService,
		Legs:              deals,
		Payouts:           payouts,
		Ops:               orchestrator,
		Auth:              auth,
		Log:               logger,
		Ready:             readiness(db),
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Service.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	runWorker := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("worker started", "worker", name)
			fn(stopCtx)
			logger.Info("worker stopped", "worker", name)
		}()
	}
	runWorker("watcher", watcher.Run)
	runWorker("orchestrator", func(ctx context.Context) { _ = orchestrator.Run(ctx) })
	runWorker("queue", queue.Run)
	runWorker("recovery", recovery.Run)

	if cfg.Recon.Enable {
		tz, err := time.LoadLocation(cfg.Recon.Timezone)
		if err != nil {
			return fmt.Errorf("recon timezone: %w", err)
		}
		reporter, err := recon.NewReporter(recon.Config{
			DB:        db,
			Payouts:   payouts,
			OutputDir: dataPath(cfg, cfg.Recon.OutputDir, true),
			TZ:        tz,
			Log:       logger,
		})
		if err != nil {
			return err
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reporter:  reporter,
			RunHour:   cfg.Recon.RunHour,
			RunMinute: cfg.Recon.RunMinute,
			Location:  tz,
			Log:       logger,
		})
		runWorker("recon", scheduler.Start)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("brokerd listening", "addr", cfg.Service.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
		}
	case err := <-errs:
		stop()
		if err != nil && err != http.ErrServerClosed {
			wg.Wait()
			return err
		}
	}
	wg.Wait()
	return nil
}

// dataPath anchors relative store paths under the data directory. Absolute
// paths and non-file DSNs pass through untouched.
func dataPath(cfg *config.Config, path string, anchor bool) string {
	if !anchor || filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path
	}
	return filepath.Join(cfg.Service.DataDir, path)
}

func resolveSeed(cfg *config.Config) ([]byte, error) {
	if cfg.Wallet.Seed != "" {
		return wallet.DecodeSeedHex(cfg.Wallet.Seed)
	}
	if cfg.Wallet.SeedFile != "" {
		return wallet.LoadSeedFile(cfg.Wallet.SeedFile)
	}
	return nil, fmt.Errorf("wallet: no seed configured")
}

// buildAdapter constructs one ledger adapter from its configuration record.
// The two adapter families cover every supported ledger; only constants and
// endpoints differ between ledgers of the same family.
func buildAdapter(ledger config.LedgerConfig, seed []byte, directory *wallet.Directory, logger *slog.Logger) (chain.Adapter, error) {
	switch ledger.Model {
	case "evm":
		w, err := wallet.New(seed, &chaincfg.MainNetParams, evmCoinType)
		if err != nil {
			return nil, err
		}
		client, err := ethclient.Dial(ledger.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		return evm.New(evm.Config{
			LedgerID:         ledger.ID,
			ChainID:          big.NewInt(ledger.ChainID),
			NativeAsset:      ledger.NativeAsset,
			Tokens:           ledger.Tokens,
			MinConfirmations: ledger.MinConfirmations,
			OperatorIndex:    ledger.OperatorIndex,
			Factory:          ledger.Factory,
			InitCodeHash:     ledger.InitCodeHash,
		}, client, w, directory, logger)
	case "utxo":
		params, err := utxo.NetworkParams(ledger.Network)
		if err != nil {
			return nil, err
		}
		w, err := wallet.New(seed, params, ledger.CoinType)
		if err != nil {
			return nil, err
		}
		backend, err := buildUTXOBackend(ledger, logger)
		if err != nil {
			return nil, err
		}
		return utxo.New(utxo.Config{
			LedgerID:         ledger.ID,
			NativeAsset:      ledger.NativeAsset,
			Network:          ledger.Network,
			CoinType:         ledger.CoinType,
			MinConfirmations: ledger.MinConfirmations,
			FallbackFeeRate:  ledger.FallbackFeeRate,
			DustLimit:        ledger.DustLimit,
		}, backend, w, directory, logger)
	default:
		return nil, fmt.Errorf("unknown ledger model %q", ledger.Model)
	}
}

func buildUTXOBackend(ledger config.LedgerConfig, logger *slog.Logger) (utxo.Backend, error) {
	nodeHost := strings.TrimSpace(ledger.Node.Host)
	if nodeHost == "" && len(ledger.Seeds.Hosts) > 0 {
		// No static node endpoint: ask the DNS seeds for one.
		resolver := utxo.NewSeedResolver(ledger.Seeds.Hosts, ledger.Seeds.Port, ledger.Seeds.Resolver)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		endpoints, err := resolver.Resolve(ctx)
		cancel()
		if err != nil {
			logger.Warn("dns seed resolution failed", "ledger", ledger.ID, "error", err.Error())
		} else if len(endpoints) > 0 {
			nodeHost = endpoints[0]
		}
	}

	var node utxo.Backend
	if nodeHost != "" {
		backend, err := utxo.NewNodeBackend(utxo.NodeConfig{
			Host: nodeHost,
			User: ledger.Node.User,
			Pass: ledger.Node.Pass,
		})
		if err != nil {
			return nil, err
		}
		node = backend
	}
	var indexer utxo.Backend
	if strings.TrimSpace(ledger.Indexer.BaseURL) != "" {
		backend, err := utxo.NewIndexerBackend(utxo.IndexerConfig{
			BaseURL:           ledger.Indexer.BaseURL,
			RequestsPerSecond: ledger.Indexer.RequestsPerSecond,
			Burst:             ledger.Indexer.Burst,
			Timeout:           ledger.Indexer.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		indexer = backend
	}
	switch {
	case node != nil && indexer != nil:
		return utxo.NewFailover(node, indexer, logger), nil
	case node != nil:
		return node, nil
	case indexer != nil:
		return indexer, nil
	default:
		return nil, fmt.Errorf("no node or indexer backend configured")
	}
}

func readiness(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
