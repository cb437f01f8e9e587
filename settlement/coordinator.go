package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quillmarket/quillgate/types"
)

// Facilitator is the subset of the facilitator client the coordinator needs.
type Facilitator interface {
	Verify(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.VerifyResponse, error)
	Settle(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.SettleResponse, error)
}

// Config tunes the coordinator.
type Config struct {
	// RetryDelays is the fixed delay schedule between settle attempts.
	// len(RetryDelays) bounds the number of retries; transient and
	// infrastructure failures consume the schedule, permanent rejections
	// fail fast.
	RetryDelays []time.Duration

	// InitialEIP3009Delay is an optional one-time delay before the first
	// EIP-3009 settle attempt. Some token implementations need chain-state
	// propagation time after the authorization is signed.
	InitialEIP3009Delay time.Duration

	// ResultTTL bounds how long settled results are kept for idempotent
	// replay. Defaults to 10 minutes.
	ResultTTL time.Duration

	// SettleTimeout bounds one whole settlement (all attempts). Defaults to
	// 2 minutes.
	SettleTimeout time.Duration

	Logger *zap.Logger
}

// Attempt records one settle attempt for the result trace.
type Attempt struct {
	Number int              `json:"number"`
	Reason string           `json:"reason,omitempty"`
	Class  types.ErrorClass `json:"-"`
}

// Result is the outcome of a Settle call.
type Result struct {
	Settlement *types.SettleResponse
	Attempts   []Attempt

	// Shared is true when this caller did not run the settlement itself but
	// observed a cached or in-flight result for the same key.
	Shared bool
}

// Coordinator serializes settlement per authorization key and applies the
// retry policy. One coordinator is shared process-wide.
type Coordinator struct {
	facilitator Facilitator
	flights     *flightTable
	cfg         Config
	logger      *zap.Logger
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(fac Facilitator, cfg Config) *Coordinator {
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = 10 * time.Minute
	}
	if cfg.SettleTimeout == 0 {
		cfg.SettleTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		facilitator: fac,
		flights:     newFlightTable(cfg.ResultTTL),
		cfg:         cfg,
		logger:      logger,
	}
}

// Settle verifies and settles a payment exactly once per key. Concurrent
// callers with the same key share one in-flight settlement; later callers
// replay the cached result.
//
// The settlement itself runs on a context detached from the caller: a client
// that disconnects mid-settlement must not leave a chain payment in an
// ambiguous state. Caller cancellation only stops waiting, never the work.
// onSettled runs before waiters are released, so the triggering entitlement
// is cached before any duplicate request can observe the result.
func (c *Coordinator) Settle(
	ctx context.Context,
	key string,
	method types.TransferMethod,
	payload types.PaymentPayload,
	requirements types.PaymentRequirements,
	onSettled func(*types.SettleResponse),
) (*Result, error) {
	status, cached, done := c.flights.checkAndMark(key)
	switch status {
	case statusCached:
		return &Result{Settlement: cached, Shared: true}, nil
	case statusInFlight:
		settled, err := c.flights.wait(ctx, key, done)
		if err != nil {
			return nil, err
		}
		if settled == nil {
			// The flight we joined failed without caching; surface a
			// retryable error rather than re-entering settlement with a
			// payload we didn't validate ourselves.
			return nil, types.NewPaymentError(types.ErrCodeSettlementFailed, types.ClassTransient,
				"concurrent settlement attempt failed")
		}
		return &Result{Settlement: settled, Shared: true}, nil
	}

	// This caller owns the flight.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SettleTimeout)
	defer cancel()

	result, err := c.runSettlement(settleCtx, method, payload, requirements)
	if err != nil || result.Settlement == nil || !result.Settlement.Success {
		c.flights.fail(key, done)
		return result, err
	}

	if onSettled != nil {
		onSettled(result.Settlement)
	}
	c.flights.complete(key, result.Settlement, done)
	return result, nil
}

// runSettlement executes verify then settle with the configured retry
// schedule. Verify happens-before settle; transient chain failures and
// facilitator outages are retried, permanent rejections are not.
func (c *Coordinator) runSettlement(
	ctx context.Context,
	method types.TransferMethod,
	payload types.PaymentPayload,
	requirements types.PaymentRequirements,
) (*Result, error) {
	verifyResp, err := c.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return &Result{}, err
	}
	if !verifyResp.IsValid {
		return &Result{}, types.NewPaymentError(
			nonEmpty(verifyResp.InvalidReason, types.ErrCodeVerificationFailed),
			types.ClassPermanent,
			verifyResp.InvalidMessage,
		)
	}

	if method == types.TransferMethodEIP3009 && c.cfg.InitialEIP3009Delay > 0 {
		if err := sleepCtx(ctx, c.cfg.InitialEIP3009Delay); err != nil {
			return &Result{}, err
		}
	}

	var attempts []Attempt
	for attempt := 0; ; attempt++ {
		settleResp, settleErr := c.facilitator.Settle(ctx, payload, requirements)
		if settleErr == nil && settleResp.Success {
			attempts = append(attempts, Attempt{Number: attempt + 1})
			return &Result{Settlement: settleResp, Attempts: attempts}, nil
		}

		reason, class := classify(settleResp, settleErr)
		attempts = append(attempts, Attempt{Number: attempt + 1, Reason: reason, Class: class})
		c.logger.Warn("settle attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("reason", reason),
			zap.String("class", class.String()),
		)

		if !retryable(class) || attempt >= len(c.cfg.RetryDelays) {
			if settleErr != nil {
				return &Result{Attempts: attempts}, settleErr
			}
			return &Result{Settlement: settleResp, Attempts: attempts},
				types.NewPaymentError(reason, class, settleResp.ErrorMessage)
		}

		if err := sleepCtx(ctx, c.cfg.RetryDelays[attempt]); err != nil {
			return &Result{Attempts: attempts}, err
		}
	}
}

// retryable reports whether a settle failure should consume the retry
// schedule. Timeouts, network errors and facilitator outages can clear on a
// later attempt; permanent rejections never do.
func retryable(class types.ErrorClass) bool {
	return class == types.ClassTransient || class == types.ClassUnavailable
}

func classify(resp *types.SettleResponse, err error) (string, types.ErrorClass) {
	var paymentErr *types.PaymentError
	if errors.As(err, &paymentErr) {
		return paymentErr.Code, paymentErr.Class
	}
	if err != nil {
		// Transport-level failure already wrapped by the facilitator client.
		return types.ErrCodeFacilitatorUnavailable, types.ClassUnavailable
	}
	if resp != nil && resp.ErrorReason != "" {
		return resp.ErrorReason, types.ClassPermanent
	}
	return types.ErrCodeSettlementFailed, types.ClassPermanent
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
