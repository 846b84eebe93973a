package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 5

	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 16 * time.Second
)

// Client executes signed Client Portal API calls with retry, backoff, and
// automatic re-authentication. Each Execute call owns its own attempt
// counter; nothing about the retry budget is shared between calls.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenManager
	signer     *Signer
	log        zerolog.Logger

	maxRetries     int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

// NewClient creates a Client owning its token manager and signer.
func NewClient(creds *Credentials, baseURL string, log zerolog.Logger) *Client {
	httpClient := &http.Client{Timeout: defaultTimeout}
	trimmed := strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:        trimmed,
		httpClient:     httpClient,
		tokens:         NewTokenManager(creds, trimmed, httpClient, log),
		signer:         NewSigner(creds.ConsumerKey, creds.AccessToken, creds.Realm),
		log:            log.With().Str("component", "ibkr-sdk").Logger(),
		maxRetries:     defaultMaxRetries,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
	}
}

// Tokens exposes the session token manager (used by the facade to drive
// the initial handshake during Connect).
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Execute performs one logical API call: obtain a fresh token, sign, send,
// classify. Retryable failures (network errors, 429, 500/502/503) back off
// exponentially up to the retry budget; 401/410 trigger exactly one token
// regeneration and one further try; 400/404 fail immediately. When out is
// non-nil the 2xx response body is decoded into it.
func (c *Client) Execute(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	endpointURL := c.baseURL + endpoint

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body for %s: %w", endpoint, err)
		}
	}

	requestURL := endpointURL
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	attempts := 0 // requests actually sent
	retries := 0  // retryable failures consumed from the budget
	reauthed := false
	var lastStatus int
	var lastErr error

	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		header, err := c.signer.AuthorizationHeader(token, method, endpointURL, query)
		if err != nil {
			return &AuthenticationError{Endpoint: endpoint, Err: err}
		}

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return fmt.Errorf("failed to build request for %s: %w", endpoint, err)
		}
		req.Header.Set("Authorization", header)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		attempts++
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &TransientNetworkError{Endpoint: endpoint, Attempts: attempts, Err: ctx.Err()}
			}
			lastStatus = 0
			lastErr = err
			if retryErr := c.waitRetry(ctx, endpoint, &retries, attempts, lastStatus, lastErr); retryErr != nil {
				return retryErr
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastStatus = resp.StatusCode
			lastErr = readErr
			if retryErr := c.waitRetry(ctx, endpoint, &retries, attempts, lastStatus, lastErr); retryErr != nil {
				return retryErr
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
				}
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode == http.StatusInternalServerError,
			resp.StatusCode == http.StatusBadGateway,
			resp.StatusCode == http.StatusServiceUnavailable:
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			if retryErr := c.waitRetry(ctx, endpoint, &retries, attempts, lastStatus, lastErr); retryErr != nil {
				return retryErr
			}
			continue

		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusGone:
			if reauthed {
				return &AuthenticationError{Endpoint: endpoint,
					Err: fmt.Errorf("still rejected with status %d after re-authentication", resp.StatusCode)}
			}
			reauthed = true
			c.tokens.Invalidate()
			c.log.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Msg("Credential rejected, regenerating live session token")
			continue

		default:
			return &ClientError{
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode,
				Body:       truncateBody(respBody),
			}
		}
	}
}

// waitRetry consumes one unit of the retry budget and sleeps the backoff
// delay. It returns the final TransientNetworkError once the budget is
// exhausted, or the context error if cancelled mid-wait.
func (c *Client) waitRetry(ctx context.Context, endpoint string, retries *int, attempts, status int, cause error) error {
	if *retries >= c.maxRetries {
		return &TransientNetworkError{Endpoint: endpoint, StatusCode: status, Attempts: attempts, Err: cause}
	}
	delay := c.backoffDelay(*retries)
	*retries++

	c.log.Warn().
		Str("endpoint", endpoint).
		Int("status", status).
		Int("attempt", attempts).
		Dur("wait", delay).
		Err(cause).
		Msg("Transient failure, retrying")

	select {
	case <-ctx.Done():
		return &TransientNetworkError{Endpoint: endpoint, StatusCode: status, Attempts: attempts, Err: ctx.Err()}
	case <-time.After(delay):
		return nil
	}
}

// backoffDelay computes min(base * 2^retry, cap) with ±10% jitter.
func (c *Client) backoffDelay(retry int) time.Duration {
	delay := c.retryBaseDelay << uint(retry)
	if delay > c.retryMaxDelay || delay <= 0 {
		delay = c.retryMaxDelay
	}
	jitter := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func truncateBody(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
