package facilitator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quillmarket/quillgate/types"
)

// preflightCache holds the last GetSupported result so hot-path requests
// don't pay a full health check each time.
type preflightCache struct {
	mu        sync.Mutex
	result    *types.SupportedResponse
	fetchedAt time.Time
	ttl       time.Duration
}

// GetSupported fetches the supported payment kinds, failing over across
// endpoints. Rate-limited endpoints are retried a few times on a constant
// backoff before moving on.
func (c *Client) GetSupported(ctx context.Context) (types.SupportedResponse, error) {
	var response types.SupportedResponse
	var lastErr error

	for _, ep := range c.candidates() {
		attempt := func() error {
			return c.callEndpoint(ctx, ep, http.MethodGet, "supported", nil, &response)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 2), ctx)
		if err := backoff.Retry(attempt, policy); err != nil {
			lastErr = err
			continue
		}
		return response, nil
	}

	if lastErr == nil {
		lastErr = types.NewPaymentError(types.ErrCodeFacilitatorUnavailable, types.ClassUnavailable, "no facilitator endpoints configured")
	}
	return types.SupportedResponse{}, lastErr
}

// Preflight returns the TTL-cached supported result, refreshing it when
// stale. A refresh failure with a previously cached result serves the stale
// copy rather than failing the hot path.
func (c *Client) Preflight(ctx context.Context) (types.SupportedResponse, error) {
	c.preflight.mu.Lock()
	cached := c.preflight.result
	fresh := cached != nil && time.Since(c.preflight.fetchedAt) < c.preflight.ttl
	c.preflight.mu.Unlock()

	if fresh {
		return *cached, nil
	}

	response, err := c.GetSupported(ctx)
	if err != nil {
		if cached != nil {
			return *cached, nil
		}
		return types.SupportedResponse{}, err
	}

	c.preflight.mu.Lock()
	c.preflight.result = &response
	c.preflight.fetchedAt = time.Now()
	c.preflight.mu.Unlock()
	return response, nil
}
