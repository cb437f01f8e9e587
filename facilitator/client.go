// Package facilitator implements the outbound client for x402 payment
// facilitator services: verify, settle and supported calls across one or
// more endpoints with per-endpoint circuit breaking and priority fallback.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quillmarket/quillgate/types"
)

// DefaultFacilitatorURL is the public unauthenticated facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxFailures  = 3
	defaultCooldown     = 30 * time.Second
	defaultPreflightTTL = 60 * time.Second
)

// EndpointConfig describes one facilitator endpoint. Endpoints are tried in
// configuration order; earlier entries have priority.
type EndpointConfig struct {
	URL string

	// Headers are static headers sent on every request to this endpoint.
	Headers map[string]string

	// Auth optionally signs per-request headers, layered over Headers.
	Auth AuthProvider
}

// Config configures the facilitator client.
type Config struct {
	Endpoints    []EndpointConfig
	HTTPClient   *http.Client
	Timeout      time.Duration
	MaxFailures  int
	Cooldown     time.Duration
	PreflightTTL time.Duration
	Logger       *zap.Logger
}

type endpoint struct {
	url     string
	headers map[string]string
	auth    AuthProvider
	state   endpointState
}

// EndpointHealth is a point-in-time snapshot of one endpoint's breaker.
type EndpointHealth struct {
	URL       string    `json:"url"`
	Failures  int       `json:"failures"`
	Open      bool      `json:"open"`
	OpenUntil time.Time `json:"openUntil,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	LastOKAt  time.Time `json:"lastOkAt,omitempty"`
}

// Client talks to one or more facilitator services with circuit breaking and
// priority fallback. Safe for concurrent use.
type Client struct {
	endpoints   []*endpoint
	httpClient  *http.Client
	timeout     time.Duration
	maxFailures int
	cooldown    time.Duration
	logger      *zap.Logger

	preflight preflightCache
}

// NewClient creates a facilitator client. A nil or empty config falls back to
// the public facilitator.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	endpointConfigs := cfg.Endpoints
	if len(endpointConfigs) == 0 {
		endpointConfigs = []EndpointConfig{{URL: DefaultFacilitatorURL}}
	}

	endpoints := make([]*endpoint, 0, len(endpointConfigs))
	for _, ec := range endpointConfigs {
		endpoints = append(endpoints, &endpoint{url: ec.URL, headers: ec.Headers, auth: ec.Auth})
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = defaultCooldown
	}
	preflightTTL := cfg.PreflightTTL
	if preflightTTL == 0 {
		preflightTTL = defaultPreflightTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		endpoints:   endpoints,
		httpClient:  httpClient,
		timeout:     timeout,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		logger:      logger,
		preflight:   preflightCache{ttl: preflightTTL},
	}
}

// Verify checks a payment payload against requirements.
func (c *Client) Verify(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.VerifyResponse, error) {
	body, err := json.Marshal(types.VerifyRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	var response types.VerifyResponse
	if err := c.post(ctx, "verify", body, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Settle executes a payment on-chain via the facilitator.
func (c *Client) Settle(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.SettleResponse, error) {
	body, err := json.Marshal(types.SettleRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	var response types.SettleResponse
	if err := c.post(ctx, "settle", body, &response); err != nil {
		return nil, err
	}
	if !response.Success && response.ErrorReason != "" {
		return &response, types.NewPaymentError(response.ErrorReason, ClassifyErrorReason(response.ErrorReason), response.ErrorMessage)
	}
	return &response, nil
}

// EndpointHealthReport returns breaker snapshots for every endpoint.
func (c *Client) EndpointHealthReport() []EndpointHealth {
	now := time.Now()
	report := make([]EndpointHealth, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		failures, openUntil, lastErr, lastOKAt := ep.state.snapshot()
		h := EndpointHealth{
			URL:      ep.url,
			Failures: failures,
			Open:     now.Before(openUntil),
			LastOKAt: lastOKAt,
		}
		if h.Open {
			h.OpenUntil = openUntil
		}
		if lastErr != nil {
			h.LastError = lastErr.Error()
		}
		report = append(report, h)
	}
	return report
}

// candidates returns endpoints to try, in priority order. Open-breaker
// endpoints are skipped unless every endpoint is open.
func (c *Client) candidates() []*endpoint {
	now := time.Now()
	available := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if !ep.state.open(now) {
			available = append(available, ep)
		}
	}
	if len(available) == 0 {
		return c.endpoints
	}
	return available
}

// post sends a JSON POST to the named route, failing over across endpoints.
func (c *Client) post(ctx context.Context, route string, body []byte, out interface{}) error {
	var lastErr error
	for _, ep := range c.candidates() {
		err := c.callEndpoint(ctx, ep, http.MethodPost, route, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("facilitator endpoint failed, trying next",
			zap.String("endpoint", ep.url),
			zap.String("route", route),
			zap.Error(err),
		)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no facilitator endpoints configured")
	}
	return types.NewPaymentError(types.ErrCodeFacilitatorUnavailable, types.ClassUnavailable, lastErr.Error())
}

// callEndpoint performs one HTTP exchange against one endpoint, updating its
// breaker. Endpoint-level failures (transport error, timeout, undecodable or
// 5xx response) are recorded; protocol-level rejections decoded from the body
// count as endpoint successes.
func (c *Client) callEndpoint(ctx context.Context, ep *endpoint, method, route string, body []byte, out interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, ep.url+"/"+route, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.headers {
		req.Header.Set(k, v)
	}
	if ep.auth != nil {
		authHeaders, err := ep.auth.AuthHeaders(ctx, route, method)
		if err != nil {
			return fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range authHeaders {
			req.Header.Set(k, v)
		}
	}

	now := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		ep.state.recordFailure(err, c.maxFailures, c.cooldown, now)
		return fmt.Errorf("%s request failed: %w", route, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		ep.state.recordFailure(err, c.maxFailures, c.cooldown, now)
		return fmt.Errorf("failed to read %s response: %w", route, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		failure := fmt.Errorf("facilitator %s failed (%d): %s", route, resp.StatusCode, string(responseBody))
		ep.state.recordFailure(failure, c.maxFailures, c.cooldown, now)
		return failure
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		decodeErr := fmt.Errorf("facilitator %s returned undecodable body (%d)", route, resp.StatusCode)
		ep.state.recordFailure(decodeErr, c.maxFailures, c.cooldown, now)
		return types.NewPaymentError(types.ErrCodeInvalidResponse, types.ClassUnavailable, decodeErr.Error())
	}

	// Decodable 4xx bodies are protocol answers (invalid payment, rejected
	// settlement), not endpoint failures.
	ep.state.recordSuccess(time.Now())
	return nil
}

// transientReasons are facilitator/chain failures where retrying the same
// settle request can succeed.
var transientReasons = map[string]struct{}{
	"gas_estimation_failed":   {},
	"transaction_reverted":    {},
	"timeout":                 {},
	"temporarily_unavailable": {},
	"network_error":           {},
	"settlement_timeout":      {},
}

// ClassifyErrorReason maps a facilitator error reason to an ErrorClass.
// Unknown reasons are permanent: an unrecognized rejection must not trigger
// a duplicate-charge-risking retry.
func ClassifyErrorReason(reason string) types.ErrorClass {
	if _, ok := transientReasons[reason]; ok {
		return types.ClassTransient
	}
	return types.ClassPermanent
}
