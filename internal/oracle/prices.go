/*

This file contains the HTTP price oracle client. Prices gate every USD
conversion in the engine, so responses are validated strictly, cached only
within the configured staleness window, and retried with backoff before a
cycle gives up.

*/

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"

	"github.com/solauto-labs/rebalancer/internal/logger"
)

// Error definitions for zero-tolerance error handling
var (
	ErrPriceRequestFailed = errors.New("price request failed")
	ErrInvalidPrice       = errors.New("price data is invalid")
)

const (
	maxRetries     = 3
	requestTimeout = 10 * time.Second
)

var priceLogger = logger.GetForComponent("price_oracle")

// Common mainnet mints the keeper works with.
var (
	WSOLMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	USDCMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	USDTMint = solana.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")
	MSOLMint = solana.MustPublicKeyFromBase58("mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So")
)

// KnownMintDecimals maps the supported mints to their token decimals.
var KnownMintDecimals = map[solana.PublicKey]uint8{
	WSOLMint: 9,
	USDCMint: 6,
	USDTMint: 6,
	MSOLMint: 9,
}

type cachedPrice struct {
	price     sdkmath.LegacyDec
	fetchedAt time.Time
}

// HTTPPriceSource fetches USD prices over HTTP and caches them within the
// staleness window.
type HTTPPriceSource struct {
	baseURL      string
	client       *http.Client
	maxStaleness time.Duration

	mu    sync.Mutex
	cache map[solana.PublicKey]cachedPrice
}

// NewHTTPPriceSource builds a price source against the given feed endpoint.
func NewHTTPPriceSource(baseURL string, maxStalenessSeconds int64) *HTTPPriceSource {
	return &HTTPPriceSource{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: requestTimeout},
		maxStaleness: time.Duration(maxStalenessSeconds) * time.Second,
		cache:        make(map[solana.PublicKey]cachedPrice),
	}
}

type priceResponse struct {
	Mint     string `json:"mint"`
	PriceUsd string `json:"price_usd"`
	UnixTime int64  `json:"unix_time"`
}

// Price returns the USD price for a mint, serving from cache while fresh.
func (s *HTTPPriceSource) Price(ctx context.Context, mint solana.PublicKey) (sdkmath.LegacyDec, error) {
	s.mu.Lock()
	cached, ok := s.cache[mint]
	s.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < s.maxStaleness {
		return cached.price, nil
	}

	price, err := s.fetchPrice(ctx, mint)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}

	s.mu.Lock()
	s.cache[mint] = cachedPrice{price: price, fetchedAt: time.Now()}
	s.mu.Unlock()
	return price, nil
}

func (s *HTTPPriceSource) fetchPrice(ctx context.Context, mint solana.PublicKey) (sdkmath.LegacyDec, error) {
	url := fmt.Sprintf("%s/price/%s", s.baseURL, mint.String())

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		priceLogger.Debug().
			Str("mint", mint.String()).
			Int("attempt", attempt).
			Msg("Fetching price")

		price, err := s.doRequest(ctx, url, mint)
		if err == nil {
			return price, nil
		}
		lastErr = err
		priceLogger.Warn().
			Err(err).
			Str("mint", mint.String()).
			Int("attempt", attempt).
			Msg("Price request failed, will retry if attempts remain")

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return sdkmath.LegacyDec{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return sdkmath.LegacyDec{}, fmt.Errorf("%w: mint %s after %d attempts: %v",
		ErrPriceRequestFailed, mint, maxRetries, lastErr)
}

func (s *HTTPPriceSource) doRequest(ctx context.Context, url string, mint solana.PublicKey) (sdkmath.LegacyDec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sdkmath.LegacyDec{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if payload.Mint != mint.String() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: response is for mint %s", ErrInvalidPrice, payload.Mint)
	}
	price, err := sdkmath.LegacyNewDecFromStr(payload.PriceUsd)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if !price.IsPositive() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidPrice, price)
	}
	if age := time.Since(time.Unix(payload.UnixTime, 0)); age > s.maxStaleness {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: price is %s old", ErrInvalidPrice, age.Truncate(time.Second))
	}
	return price, nil
}
