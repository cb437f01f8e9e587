// Package settlement orchestrates verify-then-settle against the
// facilitator with transient-error retries and single-flight deduplication
// per payment authorization.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/quillmarket/quillgate/types"
)

// Key derives the deterministic settlement key for a payment authorization.
// The nonce comes from the signed authorization (EIP-3009 bytes32 nonce or
// Permit2 uint256 nonce), so two distinct signed payloads never collide while
// duplicate submissions of one payload always do.
func Key(assetID, payer string, method types.TransferMethod, nonce string) string {
	h := sha256.New()
	h.Write([]byte(assetID))
	h.Write([]byte{0})
	h.Write([]byte(payer))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// flightStatus represents the result of checking the flight table.
type flightStatus int

const (
	// statusNew means no cached result and no in-flight settlement; the
	// caller now owns the flight and must Complete or Fail it.
	statusNew flightStatus = iota
	// statusCached means a settled result was found.
	statusCached
	// statusInFlight means another request is settling this key.
	statusInFlight
)

// flightTable provides idempotency for settle operations: it caches settled
// responses and shares in-flight settlements so concurrent duplicate
// submissions (browser double-click, agent retry) issue at most one chain
// transaction per key.
type flightTable struct {
	mu       sync.Mutex
	results  map[string]*types.SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

func newFlightTable(ttl time.Duration) *flightTable {
	return &flightTable{
		results:  make(map[string]*types.SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// checkAndMark atomically checks the table and claims the key if it is free.
// The get-or-create of the in-flight channel happens under one lock so at
// most one caller ever observes statusNew per key at a time.
func (t *flightTable) checkAndMark(key string) (flightStatus, *types.SettleResponse, chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if expiry, exists := t.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := t.results[key]; ok {
				return statusCached, result, nil
			}
		}
		delete(t.results, key)
		delete(t.expiry, key)
	}

	if done, exists := t.inFlight[key]; exists {
		return statusInFlight, nil, done
	}

	done := make(chan struct{})
	t.inFlight[key] = done
	return statusNew, nil, done
}

// wait blocks until an in-flight settlement completes, respecting caller
// cancellation, then returns whatever result it produced.
func (t *flightTable) wait(ctx context.Context, key string, done chan struct{}) (*types.SettleResponse, error) {
	select {
	case <-done:
		return t.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *flightTable) get(key string) *types.SettleResponse {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, exists := t.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(t.results, key)
		delete(t.expiry, key)
		return nil
	}
	return t.results[key]
}

// complete caches the response, releases the flight and wakes waiters.
func (t *flightTable) complete(key string, response *types.SettleResponse, done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.results[key] = response
	t.expiry[key] = time.Now().Add(t.ttl)
	delete(t.inFlight, key)
	close(done)

	// Lazy cleanup of expired entries
	now := time.Now()
	for k, expiry := range t.expiry {
		if now.After(expiry) {
			delete(t.results, k)
			delete(t.expiry, k)
		}
	}
}

// fail releases the flight without caching, allowing a later retry.
func (t *flightTable) fail(key string, done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inFlight, key)
	close(done)
}
