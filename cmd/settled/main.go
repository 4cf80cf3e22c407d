package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quotelabs/rfqsettle/params"
	"github.com/quotelabs/rfqsettle/pkg/api"
	"github.com/quotelabs/rfqsettle/pkg/crypto"
	"github.com/quotelabs/rfqsettle/pkg/ledger"
	"github.com/quotelabs/rfqsettle/pkg/rfq"
	"github.com/quotelabs/rfqsettle/pkg/util"
)

// Canonical delegated-transfer service address, same on every deployment.
const permit2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Ledger (pebble-backed) ----
	wnative := common.HexToAddress(cfg.Node.WrappedNative)
	led, err := ledger.Open(cfg.Node.DBPath, wnative)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer led.Close()
	sugar.Infow("ledger_opened", "path", cfg.Node.DBPath, "wrapped_native", wnative.Hex())

	// ---- Settlement engine ----
	domain := crypto.EIP712Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           new(big.Int).SetUint64(cfg.Domain.ChainID),
		VerifyingContract: common.HexToAddress(cfg.Domain.VerifyingContract),
	}
	accounts := crypto.NewSmartAccountRegistry()
	permit2 := rfq.NewPermit2(cfg.Domain.ChainID, common.HexToAddress(permit2Address), accounts)
	invalidator := rfq.NewInvalidator(ledger.NewInvalidatorStore(led.Store()))

	engine := rfq.NewEngine(rfq.EngineConfig{
		Ledger:              led,
		Permit2:             permit2,
		Invalidator:         invalidator,
		Hasher:              crypto.NewOrderHasher(domain),
		Accounts:            accounts,
		Address:             common.HexToAddress(cfg.Domain.VerifyingContract),
		MinSettleBps:        cfg.Protocol.MinSettleBps,
		MaxConfidenceCapPpm: cfg.Protocol.MaxConfidenceCapPpm,
	})

	sugar.Infow("engine_ready",
		"domain", cfg.Domain.Name,
		"chain_id", cfg.Domain.ChainID,
		"verifying_contract", cfg.Domain.VerifyingContract,
		"min_settle_bps", cfg.Protocol.MinSettleBps,
		"max_confidence_cap_ppm", cfg.Protocol.MaxConfidenceCapPpm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(engine, cfg)
	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr, "faucet", cfg.Node.EnableFaucet)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")
}
