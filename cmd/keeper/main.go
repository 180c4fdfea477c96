package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/solauto-labs/rebalancer/internal/config"
	"github.com/solauto-labs/rebalancer/internal/keeper"
	"github.com/solauto-labs/rebalancer/internal/logger"
	"github.com/solauto-labs/rebalancer/internal/oracle"
	"github.com/solauto-labs/rebalancer/internal/state"
	"github.com/solauto-labs/rebalancer/internal/web"
)

// main is the entry point for the Solauto keeper.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(config.LogLevel)
	log.Info().Msg("Solauto keeper starting...")

	// Initialize database connection
	dbCfg := state.DBConfig{
		Host: config.DBHost, Port: config.DBPort,
		User: config.DBUser, Password: config.DBPassword,
		DBName: config.DBName, SSLMode: config.DBSSLMode,
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Load engine parameters
	params, err := state.LoadActiveEngineParameters(config.ParametersConfigName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load engine parameters")
	}
	log.Info().
		Uint64("resultToleranceBps", params.ResultToleranceBps).
		Int64("cycleIntervalSeconds", params.CycleIntervalSeconds).
		Msg("Engine parameters loaded successfully")

	// --- Start Web Server ---
	webServer := web.NewWebServer(strconv.FormatUint(config.WebServerPort, 10))
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// Initialize Solana RPC connection
	rpcClient := rpc.New(config.SolanaRPC)
	log.Info().Str("endpoint", config.SolanaRPC).Msg("Solana RPC client initialized")

	// --- 2. Keeper Initialization (with Safety Switch) ---
	if !config.IsLive() {
		log.Fatal().Msg("KEEPER_MODE is not set to 'live'. Halting to prevent accidental execution. Set KEEPER_MODE=live to run.")
	}
	log.Warn().Msg("Initializing keeper in LIVE mode. Real transactions will be submitted.")

	prices := oracle.NewHTTPPriceSource(config.PriceAPI, params.PriceStalenessSeconds)

	keeperInstance, err := keeper.New(keeper.Config{
		RPCClient:  rpcClient,
		Prices:     prices,
		Swapper:    &keeper.OraclePriceSwapper{Prices: prices, Decimals: oracle.KnownMintDecimals, HaircutBps: params.DefaultSlippageBps},
		Params:     params,
		FeesWallet: config.SolautoFeesWallet,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create keeper instance")
	}
	log.Info().Msg("Keeper instance created successfully")

	// --- 3. Run Main Loop until interrupted ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keeperInstance.RunLoop(ctx)
	log.Info().Msg("Keeper shut down cleanly")
}
