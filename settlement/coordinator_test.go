package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmarket/quillgate/types"
)

type fakeFacilitator struct {
	mu          sync.Mutex
	settleCalls int32
	settleDelay time.Duration

	// settleFn, when set, produces each settle result; otherwise every
	// settle succeeds.
	settleFn func(call int) (*types.SettleResponse, error)

	verifyInvalid bool
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.VerifyResponse, error) {
	if f.verifyInvalid {
		return &types.VerifyResponse{IsValid: false, InvalidReason: "invalid_signature"}, nil
	}
	return &types.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.SettleResponse, error) {
	call := int(atomic.AddInt32(&f.settleCalls, 1))
	if f.settleDelay > 0 {
		time.Sleep(f.settleDelay)
	}
	f.mu.Lock()
	fn := f.settleFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return &types.SettleResponse{Success: true, Transaction: "0xtx", Network: "eip155:84532"}, nil
}

func TestKeyDeterminism(t *testing.T) {
	a := Key("asset-1", "0xAAA", types.TransferMethodEIP3009, "0x01")
	b := Key("asset-1", "0xAAA", types.TransferMethodEIP3009, "0x01")
	if a != b {
		t.Errorf("same inputs produced different keys: %s vs %s", a, b)
	}

	distinct := []string{
		Key("asset-2", "0xAAA", types.TransferMethodEIP3009, "0x01"),
		Key("asset-1", "0xBBB", types.TransferMethodEIP3009, "0x01"),
		Key("asset-1", "0xAAA", types.TransferMethodPermit2, "0x01"),
		Key("asset-1", "0xAAA", types.TransferMethodEIP3009, "0x02"),
	}
	for i, other := range distinct {
		if other == a {
			t.Errorf("variant %d collided with the base key", i)
		}
	}
}

func TestSettleSingleFlight(t *testing.T) {
	fac := &fakeFacilitator{settleDelay: 50 * time.Millisecond}
	coordinator := NewCoordinator(fac, Config{})

	key := Key("asset-1", "0xAAA", types.TransferMethodEIP3009, "0xabc")
	payload := types.PaymentPayload{X402Version: types.ProtocolVersion}
	requirements := types.PaymentRequirements{Amount: "500000"}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coordinator.Settle(context.Background(), key,
				types.TransferMethodEIP3009, payload, requirements, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fac.settleCalls),
		"concurrent duplicates must share one settlement")

	shared := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Settlement)
		assert.Equal(t, "0xtx", results[i].Settlement.Transaction)
		if results[i].Shared {
			shared++
		}
	}
	assert.Equal(t, callers-1, shared, "exactly one caller owns the flight")
}

func TestSettleReplaysCachedResult(t *testing.T) {
	fac := &fakeFacilitator{}
	coordinator := NewCoordinator(fac, Config{})
	key := Key("asset-1", "0xAAA", types.TransferMethodEIP3009, "0xdef")
	payload := types.PaymentPayload{}
	requirements := types.PaymentRequirements{}

	first, err := coordinator.Settle(context.Background(), key, types.TransferMethodEIP3009, payload, requirements, nil)
	require.NoError(t, err)
	assert.False(t, first.Shared)

	second, err := coordinator.Settle(context.Background(), key, types.TransferMethodEIP3009, payload, requirements, nil)
	require.NoError(t, err)
	assert.True(t, second.Shared)
	assert.Equal(t, first.Settlement.Transaction, second.Settlement.Transaction)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fac.settleCalls))
}

func TestSettleRetriesTransientOnly(t *testing.T) {
	t.Run("transient failures retry within the schedule", func(t *testing.T) {
		fac := &fakeFacilitator{}
		fac.settleFn = func(call int) (*types.SettleResponse, error) {
			if call < 3 {
				return nil, types.NewPaymentError("network_error", types.ClassTransient, "flaky")
			}
			return &types.SettleResponse{Success: true, Transaction: "0xtx"}, nil
		}
		coordinator := NewCoordinator(fac, Config{
			RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
		})

		result, err := coordinator.Settle(context.Background(),
			Key("a", "p", types.TransferMethodEIP3009, "1"),
			types.TransferMethodEIP3009, types.PaymentPayload{}, types.PaymentRequirements{}, nil)
		require.NoError(t, err)
		require.NotNil(t, result.Settlement)
		assert.True(t, result.Settlement.Success)
		assert.Len(t, result.Attempts, 3)
		assert.Equal(t, int32(3), atomic.LoadInt32(&fac.settleCalls))
	})

	t.Run("permanent failures return immediately", func(t *testing.T) {
		fac := &fakeFacilitator{}
		fac.settleFn = func(call int) (*types.SettleResponse, error) {
			return nil, types.NewPaymentError("invalid_signature", types.ClassPermanent, "bad signature")
		}
		coordinator := NewCoordinator(fac, Config{
			RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
		})

		_, err := coordinator.Settle(context.Background(),
			Key("a", "p", types.TransferMethodEIP3009, "2"),
			types.TransferMethodEIP3009, types.PaymentPayload{}, types.PaymentRequirements{}, nil)
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&fac.settleCalls))
	})
}

func TestSettleRetriesFacilitatorOutage(t *testing.T) {
	outage := func() error {
		return types.NewPaymentError(types.ErrCodeFacilitatorUnavailable,
			types.ClassUnavailable, "facilitator settle failed (500)")
	}

	t.Run("persistent outage consumes the whole schedule", func(t *testing.T) {
		fac := &fakeFacilitator{}
		fac.settleFn = func(call int) (*types.SettleResponse, error) {
			return nil, outage()
		}
		coordinator := NewCoordinator(fac, Config{
			RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
		})

		result, err := coordinator.Settle(context.Background(),
			Key("a", "p", types.TransferMethodEIP3009, "4"),
			types.TransferMethodEIP3009, types.PaymentPayload{}, types.PaymentRequirements{}, nil)
		require.Error(t, err)
		paymentErr, ok := err.(*types.PaymentError)
		require.True(t, ok)
		assert.Equal(t, types.ErrCodeFacilitatorUnavailable, paymentErr.Code)
		assert.Equal(t, types.ClassUnavailable, paymentErr.Class)
		assert.Len(t, result.Attempts, 3)
		assert.Equal(t, int32(3), atomic.LoadInt32(&fac.settleCalls),
			"outages must consume the retry schedule, not fail fast")
	})

	t.Run("outage clearing mid-schedule settles", func(t *testing.T) {
		fac := &fakeFacilitator{}
		fac.settleFn = func(call int) (*types.SettleResponse, error) {
			if call == 1 {
				return nil, outage()
			}
			return &types.SettleResponse{Success: true, Transaction: "0xtx"}, nil
		}
		coordinator := NewCoordinator(fac, Config{
			RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
		})

		result, err := coordinator.Settle(context.Background(),
			Key("a", "p", types.TransferMethodEIP3009, "5"),
			types.TransferMethodEIP3009, types.PaymentPayload{}, types.PaymentRequirements{}, nil)
		require.NoError(t, err)
		require.NotNil(t, result.Settlement)
		assert.True(t, result.Settlement.Success)
		assert.Equal(t, int32(2), atomic.LoadInt32(&fac.settleCalls))
	})
}

func TestSettleVerifyRejection(t *testing.T) {
	fac := &fakeFacilitator{verifyInvalid: true}
	coordinator := NewCoordinator(fac, Config{})

	_, err := coordinator.Settle(context.Background(),
		Key("a", "p", types.TransferMethodEIP3009, "3"),
		types.TransferMethodEIP3009, types.PaymentPayload{}, types.PaymentRequirements{}, nil)
	require.Error(t, err)
	paymentErr, ok := err.(*types.PaymentError)
	require.True(t, ok)
	assert.Equal(t, "invalid_signature", paymentErr.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fac.settleCalls), "invalid payments never reach settle")
}

func TestSettlePrimesEntitlementBeforeRelease(t *testing.T) {
	fac := &fakeFacilitator{}
	coordinator := NewCoordinator(fac, Config{})

	var primed atomic.Bool
	_, err := coordinator.Settle(context.Background(),
		Key("a", "p", types.TransferMethodEIP3009, "4"),
		types.TransferMethodEIP3009, types.PaymentPayload{}, types.PaymentRequirements{},
		func(settled *types.SettleResponse) {
			primed.Store(true)
		})
	require.NoError(t, err)
	assert.True(t, primed.Load())
}
