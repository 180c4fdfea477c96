package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// KeeperMode selects "live" or "dry-run". Anything but "live" never
	// submits transactions.
	KeeperMode string

	// SolautoFeesWallet receives the protocol share of rebalance fees.
	SolautoFeesWallet solana.PublicKey

	// ParametersConfigName selects which engine_parameters row set to use.
	ParametersConfigName string

	// WebServerPort is the listen port for the status endpoints.
	WebServerPort uint64

	// LogLevel controls zerolog verbosity (trace, debug, info, warn, error).
	LogLevel string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	KeeperMode, err = getEnv("KEEPER_MODE")
	if err != nil {
		return err
	}

	feesWallet, err := getEnv("SOLAUTO_FEES_WALLET")
	if err != nil {
		return err
	}
	SolautoFeesWallet, err = solana.PublicKeyFromBase58(feesWallet)
	if err != nil {
		return errors.New("environment variable SOLAUTO_FEES_WALLET must be a valid base58 public key")
	}

	ParametersConfigName, err = getEnv("PARAMETERS_CONFIG_NAME")
	if err != nil {
		return err
	}

	WebServerPort, err = getEnvAsUint64("WEB_SERVER_PORT")
	if err != nil {
		return err
	}

	LogLevel, err = getEnv("LOG_LEVEL")
	if err != nil {
		return err
	}

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	// Load database configuration
	if err := loadDatabaseConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("KeeperMode", KeeperMode).
		Str("ParametersConfigName", ParametersConfigName).
		Uint64("WebServerPort", WebServerPort).
		Msg("Configuration loaded successfully.")

	return nil
}

// IsLive reports whether the keeper is allowed to submit transactions.
func IsLive() bool {
	return KeeperMode == "live"
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsInt retrieves an environment variable as an int. Returns error if not set or invalid.
func getEnvAsInt(key string) (int, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid integer, got: " + valueStr)
	}
	return value, nil
}
