package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmarket/quillgate/types"
)

func verifyServer(t *testing.T, hits *int32, response types.VerifyResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path != "/verify" {
			t.Errorf("expected path /verify, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
}

func failingServer(hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
}

func TestVerify(t *testing.T) {
	var hits int32
	server := verifyServer(t, &hits, types.VerifyResponse{IsValid: true, Payer: "0xpayer"})
	defer server.Close()

	client := NewClient(&Config{Endpoints: []EndpointConfig{{URL: server.URL}}})
	resp, err := client.Verify(context.Background(), types.PaymentPayload{X402Version: 2}, types.PaymentRequirements{})
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xpayer", resp.Payer)
}

func TestFailoverToSecondEndpoint(t *testing.T) {
	var primaryHits, fallbackHits int32
	primary := failingServer(&primaryHits)
	defer primary.Close()
	fallback := verifyServer(t, &fallbackHits, types.VerifyResponse{IsValid: true})
	defer fallback.Close()

	client := NewClient(&Config{
		Endpoints: []EndpointConfig{{URL: primary.URL}, {URL: fallback.URL}},
	})

	resp, err := client.Verify(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fallbackHits))
}

func TestBreakerOpensAndSkips(t *testing.T) {
	var primaryHits, fallbackHits int32
	primary := failingServer(&primaryHits)
	defer primary.Close()
	fallback := verifyServer(t, &fallbackHits, types.VerifyResponse{IsValid: true})
	defer fallback.Close()

	client := NewClient(&Config{
		Endpoints:   []EndpointConfig{{URL: primary.URL}, {URL: fallback.URL}},
		MaxFailures: 2,
		Cooldown:    time.Minute,
	})

	// Two calls fail over from the primary, tripping its breaker.
	for i := 0; i < 2; i++ {
		_, err := client.Verify(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&primaryHits))

	// With the breaker open the primary is skipped entirely.
	_, err := client.Verify(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&primaryHits), "open endpoint must be skipped")
	assert.Equal(t, int32(3), atomic.LoadInt32(&fallbackHits))

	report := client.EndpointHealthReport()
	require.Len(t, report, 2)
	assert.True(t, report[0].Open)
	assert.Equal(t, 2, report[0].Failures)
	assert.False(t, report[1].Open)
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	var healthy atomic.Bool
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := NewClient(&Config{
		Endpoints:   []EndpointConfig{{URL: server.URL}},
		MaxFailures: 3,
		Cooldown:    time.Minute,
	})

	// Two failures leave the breaker closed but counting.
	for i := 0; i < 2; i++ {
		_, err := client.Verify(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
		require.Error(t, err)
	}
	report := client.EndpointHealthReport()
	assert.Equal(t, 2, report[0].Failures)

	// One success resets the count to zero.
	healthy.Store(true)
	_, err := client.Verify(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
	require.NoError(t, err)
	report = client.EndpointHealthReport()
	assert.Equal(t, 0, report[0].Failures)
	assert.False(t, report[0].Open)
}

func TestAllEndpointsOpenStillTried(t *testing.T) {
	var hits int32
	server := failingServer(&hits)
	defer server.Close()

	client := NewClient(&Config{
		Endpoints:   []EndpointConfig{{URL: server.URL}},
		MaxFailures: 1,
		Cooldown:    time.Minute,
	})

	_, err := client.Verify(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
	require.Error(t, err)

	// The breaker is open, but with nothing else to try degradation beats
	// refusing outright.
	_, err = client.Verify(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestSettleErrorClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.SettleResponse{
			Success:     false,
			ErrorReason: "gas_estimation_failed",
		})
	}))
	defer server.Close()

	client := NewClient(&Config{Endpoints: []EndpointConfig{{URL: server.URL}}})
	resp, err := client.Settle(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
	require.Error(t, err)
	require.NotNil(t, resp)

	paymentErr, ok := err.(*types.PaymentError)
	require.True(t, ok)
	assert.Equal(t, "gas_estimation_failed", paymentErr.Code)
	assert.Equal(t, types.ClassTransient, paymentErr.Class)
}

func TestClassifyErrorReason(t *testing.T) {
	assert.Equal(t, types.ClassTransient, ClassifyErrorReason("network_error"))
	assert.Equal(t, types.ClassTransient, ClassifyErrorReason("transaction_reverted"))
	assert.Equal(t, types.ClassPermanent, ClassifyErrorReason("invalid_signature"))
	assert.Equal(t, types.ClassPermanent, ClassifyErrorReason("definitely_not_a_known_reason"))
}

func TestUndecodableResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client := NewClient(&Config{Endpoints: []EndpointConfig{{URL: server.URL}}})
	_, err := client.Verify(context.Background(), types.PaymentPayload{}, types.PaymentRequirements{})
	require.Error(t, err)

	paymentErr, ok := err.(*types.PaymentError)
	require.True(t, ok)
	assert.Equal(t, types.ClassUnavailable, paymentErr.Class)
}
