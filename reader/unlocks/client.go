package unlocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"unlockflow/config"
	"unlockflow/logger"
	"unlockflow/models"
)

// ErrInvalidAPIKey is returned when the API rejects the configured key.
var ErrInvalidAPIKey = errors.New("invalid API key")

// Client is a rate-limited HTTP client for the unlocks API. Responses are
// cached for the configured TTL so periodic refresh cycles do not re-fetch
// unchanged schedules.
type Client struct {
	cfg     *config.Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *responseCache
	log     *logger.Log
}

// NewClient builds a client with a pooled transport and a request rate
// limiter derived from the reader configuration.
func NewClient(cfg *config.Config) *Client {
	pool := cfg.Source.Unlocks.ConnectionPool
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DisableCompression:  false,
	}

	rl := cfg.Reader.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Reader.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		cache:   newResponseCache(cfg.Source.Unlocks.CacheTTL),
		log:     logger.GetLogger(),
	}
}

// TokenList fetches the list of all available tokens.
func (c *Client) TokenList(ctx context.Context) ([]models.TokenInfo, error) {
	reqURL := c.cfg.Source.Unlocks.BaseURL + c.cfg.Source.Unlocks.TokenListPath

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	logger.IncrementTokenListRead(len(body))

	var resp models.TokenListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode token list: %w", err)
	}
	return resp.Data, nil
}

// Emission fetches the weekly emission schedule for a single token. The
// returned slice may be empty when the token has no emission weeks.
func (c *Client) Emission(ctx context.Context, tokenID string) ([]models.EmissionWeek, error) {
	src := c.cfg.Source.Unlocks
	reqURL := fmt.Sprintf("%s%s?tokenId=%s", src.BaseURL, src.EmissionPath, url.QueryEscape(tokenID))

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	logger.IncrementEmissionRead(len(body))

	var resp models.EmissionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode emission data: %w", err)
	}
	return resp.Data, nil
}

// get performs a rate-limited, cached GET with retries on transient failures.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	if body, ok := c.cache.get(reqURL); ok {
		return body, nil
	}

	retry := c.cfg.Reader.Retry
	attempts := retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    retry.BaseDelay,
		Max:    retry.MaxDelay,
		Factor: retry.BackoffMultiplier,
		Jitter: true,
	}
	if b.Min <= 0 {
		b.Min = 250 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	if b.Factor <= 1 {
		b.Factor = 2
	}

	log := c.log.WithComponent("unlocks_client").WithFields(logger.Fields{"url": reqURL})

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := c.doRequest(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}

		if attempt < attempts {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("request failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// doRequest performs a single GET. The second return value reports whether a
// failure is worth retrying.
func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("x-api-key", c.cfg.Source.Unlocks.APIKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(c.log.WithComponent("unlocks_client"), "unlocks_client", "api_request", time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w (status %d)", ErrInvalidAPIKey, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	c.cache.set(reqURL, body)
	return body, false, nil
}
