package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/limitvault/limitvault/params"
	"github.com/limitvault/limitvault/pkg/api"
	"github.com/limitvault/limitvault/pkg/engine/bridge"
	"github.com/limitvault/limitvault/pkg/engine/custody"
	"github.com/limitvault/limitvault/pkg/engine/events"
	"github.com/limitvault/limitvault/pkg/engine/ledger"
	"github.com/limitvault/limitvault/pkg/engine/monitor"
	"github.com/limitvault/limitvault/pkg/engine/oracle"
	"github.com/limitvault/limitvault/pkg/metrics"
	"github.com/limitvault/limitvault/pkg/storage"
	"github.com/limitvault/limitvault/pkg/util"
)

// Devnet assets. A production deployment registers these from chain
// configuration instead.
var (
	wethAddr = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdcAddr = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = "data/node.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Durable storage ----
	store, err := storage.Open(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("storage_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	// ---- Metrics ----
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	// ---- Event bus ----
	bus := events.NewBus(sugar)

	// ---- Custody ----
	// Devnet vault. Balances are seeded via the faucet env vars below.
	escrow := common.HexToAddress(cfg.Node.EscrowAccount)
	vault := custody.NewVault(escrow)
	seedDevnetBalances(vault, sugar)

	clock := util.RealClock{}

	// ---- Price oracle ----
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	seedPrice := new(big.Int).Mul(big.NewInt(4000), wad)
	source := oracle.NewSimulatedSource(clock, map[string]*big.Int{
		"sim:WETH-USDC/primary":   seedPrice,
		"sim:WETH-USDC/secondary": seedPrice,
	})

	agg, err := oracle.New(source, clock, bus, sugar, oracle.Config{
		DefaultToleranceBps: cfg.Oracle.DefaultToleranceBps,
		UpdateInterval:      cfg.Oracle.UpdateInterval,
		MaxPriceAge:         cfg.Oracle.MaxPriceAge,
		FeedTimeout:         cfg.Oracle.FeedTimeout,
	})
	if err != nil {
		sugar.Fatalw("oracle_init_failed", "err", err)
	}
	agg.SetHistorySink(store)

	if err := agg.RegisterPair(oracle.NewPricePair("WETH", "USDC",
		&oracle.FeedDescriptor{
			Handle:    "sim:WETH-USDC/primary",
			Heartbeat: 2 * cfg.Oracle.UpdateInterval,
			Active:    true,
		},
		&oracle.FeedDescriptor{
			Handle:    "sim:WETH-USDC/secondary",
			Heartbeat: 2 * cfg.Oracle.UpdateInterval,
			Active:    true,
		},
	)); err != nil {
		sugar.Fatalw("pair_registration_failed", "err", err)
	}

	// ---- Cross-chain resolver ----
	resolver := bridge.NewResolver()
	// Devnet: Optimism -> mainnet wrapping for WETH.
	if err := resolver.RegisterChain(&bridge.ChainConfig{
		ChainID: 10,
		Wrapped: map[common.Address]common.Address{
			wethAddr: wethAddr,
		},
		BridgeFee: big.NewInt(0),
	}); err != nil {
		sugar.Fatalw("chain_registration_failed", "err", err)
	}

	// ---- Order ledger ----
	eng, err := ledger.New(ledger.Config{
		EscrowAccount: escrow,
		Custody:       vault,
		Oracle:        agg,
		Resolver:      resolver,
		Clock:         clock,
		Store:         store,
		Emitter:       bus,
		Logger:        sugar,
	})
	if err != nil {
		sugar.Fatalw("ledger_init_failed", "err", err)
	}
	eng.RegisterAsset(wethAddr, "WETH")
	eng.RegisterAsset(usdcAddr, "USDC")

	if err := eng.Restore(); err != nil {
		sugar.Fatalw("ledger_restore_failed", "err", err)
	}
	restored := len(eng.ActiveOrders())
	sugar.Infow("ledger_restored", "active_orders", restored)

	// ---- Balance monitor ----
	mon := monitor.New(monitor.Config{
		Ledger:   eng,
		Custody:  vault,
		Oracle:   agg,
		Clock:    clock,
		Interval: cfg.Monitor.SweepInterval,
		Logger:   sugar,
	})
	go mon.Run(ctx)

	// ---- API server ----
	apiServer := api.NewServer(eng, agg, bus, registry, sugar)
	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"db_path", cfg.Node.DBPath,
		"sweep_interval", cfg.Monitor.SweepInterval,
		"oracle_update_interval", cfg.Oracle.UpdateInterval)

	if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

// seedDevnetBalances funds addresses listed in FAUCET_ACCOUNTS with
// devnet WETH and USDC so orders can be placed immediately.
func seedDevnetBalances(vault *custody.Vault, sugar *zap.SugaredLogger) {
	accounts := os.Getenv("FAUCET_ACCOUNTS")
	if accounts == "" {
		return
	}
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	wethGrant := new(big.Int).Mul(big.NewInt(100), wad)
	usdcGrant := new(big.Int).Mul(big.NewInt(1_000_000), wad)
	for _, acct := range strings.Split(accounts, ",") {
		if !common.IsHexAddress(acct) {
			continue
		}
		addr := common.HexToAddress(acct)
		_ = vault.Deposit(addr, wethAddr, wethGrant)
		_ = vault.Deposit(addr, usdcAddr, usdcGrant)
		sugar.Infow("faucet_funded", "account", addr.Hex())
	}
}

