// Package exchangerate fetches daily market exchange rates from a
// Frankfurter-compatible API, with a persistent cache in front of it.
package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/clientdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Rates are the quotes for one base currency on one day
type Rates struct {
	Base  string
	Date  string // date the provider actually quoted, may precede the requested one
	Rates map[string]decimal.Decimal
}

// Client for the exchange rate API
type Client struct {
	baseURL   string
	client    *http.Client
	log       zerolog.Logger
	cacheRepo *clientdata.Repository
}

// NewClient creates a new exchange rate client.
// cacheRepo is optional - if nil, caching is disabled
func NewClient(baseURL string, cacheRepo *clientdata.Repository, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log.With().Str("client", "exchangerate").Logger(),
		cacheRepo: cacheRepo,
	}
}

// cachedRates is the structure stored in the cache
type cachedRates struct {
	Date  string            `msgpack:"date"`
	Rates map[string]string `msgpack:"rates"`
}

// GetRates fetches all quotes for base on date.
// If the API fails, returns stale cached data if available.
func (c *Client) GetRates(ctx context.Context, base string, date time.Time) (*Rates, error) {
	base = strings.ToUpper(base)
	day := date.UTC().Format("2006-01-02")
	cacheKey := base + ":" + day

	if c.cacheRepo != nil {
		var cached cachedRates
		found, err := c.cacheRepo.GetIfFresh(ctx, clientdata.TableExchangeRate, cacheKey, &cached)
		if err != nil {
			c.log.Warn().Err(err).Str("key", cacheKey).Msg("Failed to read rate cache")
		}
		if found {
			if rates, err := fromCached(base, cached); err == nil {
				c.log.Debug().Str("base", base).Str("date", day).Msg("Cache hit")
				return rates, nil
			}
		}
	}

	rates, err := c.fetch(ctx, base, day)
	if err != nil {
		if stale, ok := c.getStaleFromCache(ctx, base, cacheKey); ok {
			c.log.Warn().Err(err).Str("base", base).Str("date", day).Msg("API failed, using stale cached rates")
			return stale, nil
		}
		return nil, err
	}

	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store(ctx, clientdata.TableExchangeRate, cacheKey, toCached(rates), clientdata.TTLExchangeRate); err != nil {
			c.log.Warn().Err(err).Str("key", cacheKey).Msg("Failed to cache exchange rates")
		}
	}

	c.log.Info().Str("base", base).Str("date", rates.Date).Int("quotes", len(rates.Rates)).Msg("Fetched rates")
	return rates, nil
}

func (c *Client) fetch(ctx context.Context, base, day string) (*Rates, error) {
	url := fmt.Sprintf("%s/%s?from=%s", c.baseURL, day, base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Provider(apperrors.ProviderGeneric, "exchange rate request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.Provider(apperrors.ProviderRateLimit, "exchange rate API rate limited", nil)
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.Provider(apperrors.ProviderGeneric, fmt.Sprintf("exchange rate API returned status %d", resp.StatusCode), nil)
	}

	var result struct {
		Base  string                 `json:"base"`
		Date  string                 `json:"date"`
		Rates map[string]json.Number `json:"rates"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, apperrors.Provider(apperrors.ProviderGeneric, "failed to parse exchange rate response", err)
	}

	rates := &Rates{Base: base, Date: result.Date, Rates: make(map[string]decimal.Decimal, len(result.Rates))}
	if rates.Date == "" {
		rates.Date = day
	}
	for code, n := range result.Rates {
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			c.log.Warn().Str("quote", code).Str("value", n.String()).Msg("Skipping unparsable rate")
			continue
		}
		rates.Rates[strings.ToUpper(code)] = d
	}
	return rates, nil
}

// getStaleFromCache retrieves cached rates even if expired.
func (c *Client) getStaleFromCache(ctx context.Context, base, cacheKey string) (*Rates, bool) {
	if c.cacheRepo == nil {
		return nil, false
	}
	var cached cachedRates
	found, err := c.cacheRepo.Get(ctx, clientdata.TableExchangeRate, cacheKey, &cached)
	if err != nil || !found {
		return nil, false
	}
	rates, err := fromCached(base, cached)
	if err != nil {
		return nil, false
	}
	return rates, true
}

func toCached(r *Rates) cachedRates {
	out := cachedRates{Date: r.Date, Rates: make(map[string]string, len(r.Rates))}
	for code, d := range r.Rates {
		out.Rates[code] = d.String()
	}
	return out
}

func fromCached(base string, c cachedRates) (*Rates, error) {
	r := &Rates{Base: base, Date: c.Date, Rates: make(map[string]decimal.Decimal, len(c.Rates))}
	for code, s := range c.Rates {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		r.Rates[code] = d
	}
	return r, nil
}
