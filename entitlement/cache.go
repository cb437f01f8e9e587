package entitlement

import (
	"strings"
	"sync"
	"time"
)

// Source records how an entitlement was proven.
type Source string

const (
	SourceReceipt Source = "receipt"
	SourceOnchain Source = "onchain"
	SourceCreator Source = "creator"
	SourceCache   Source = "cache"
)

// Outcome is the result of a cache lookup.
type Outcome int

const (
	// OutcomeUnknown means no live entry; the caller must prove ownership.
	OutcomeUnknown Outcome = iota
	// OutcomeEntitled means a positive entry is live.
	OutcomeEntitled
	// OutcomeNotEntitled means a negative entry is live.
	OutcomeNotEntitled
	// OutcomeUnavailable means the last proof attempt hit infrastructure
	// failure; callers must answer 503, never 401.
	OutcomeUnavailable
)

// Record is a cached entitlement for one (wallet, asset) pair.
type Record struct {
	Transaction string
	Source      Source
	Detail      string
	ExpiresAt   time.Time
	outcome     Outcome
}

// CacheConfig sets the per-outcome TTLs. Ownership doesn't expire, so the
// positive TTL is long; negative results age out quickly so a fresh payment
// is noticed; unavailability ages out fastest of all.
type CacheConfig struct {
	PositiveTTL    time.Duration
	NegativeTTL    time.Duration
	UnavailableTTL time.Duration
}

// Cache is the process-wide entitlement cache. Keys are independent, so the
// map's own atomicity is all the locking needed.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Record
	cfg     CacheConfig
	now     func() time.Time
}

// NewCache creates an entitlement cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.PositiveTTL == 0 {
		cfg.PositiveTTL = 12 * time.Hour
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = 2 * time.Minute
	}
	if cfg.UnavailableTTL == 0 {
		cfg.UnavailableTTL = 15 * time.Second
	}
	return &Cache{
		entries: make(map[string]Record),
		cfg:     cfg,
		now:     time.Now,
	}
}

func cacheKey(wallet, assetID string) string {
	return strings.ToLower(wallet) + "|" + assetID
}

// Get returns the live record and outcome for a pair. Expired entries read
// as OutcomeUnknown and are pruned lazily.
func (c *Cache) Get(wallet, assetID string) (Record, Outcome) {
	key := cacheKey(wallet, assetID)

	c.mu.RLock()
	record, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Record{}, OutcomeUnknown
	}
	if c.now().After(record.ExpiresAt) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && c.now().After(current.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Record{}, OutcomeUnknown
	}
	return record, record.outcome
}

// PutEntitled stores a positive entitlement.
func (c *Cache) PutEntitled(wallet, assetID, transaction string, source Source) {
	c.put(wallet, assetID, Record{
		Transaction: transaction,
		Source:      source,
		ExpiresAt:   c.now().Add(c.cfg.PositiveTTL),
		outcome:     OutcomeEntitled,
	})
}

// PutNotEntitled stores a negative result.
func (c *Cache) PutNotEntitled(wallet, assetID string) {
	c.put(wallet, assetID, Record{
		ExpiresAt: c.now().Add(c.cfg.NegativeTTL),
		outcome:   OutcomeNotEntitled,
	})
}

// PutUnavailable stores an infrastructure-failure marker with its detail.
func (c *Cache) PutUnavailable(wallet, assetID, detail string) {
	c.put(wallet, assetID, Record{
		Detail:    detail,
		ExpiresAt: c.now().Add(c.cfg.UnavailableTTL),
		outcome:   OutcomeUnavailable,
	})
}

func (c *Cache) put(wallet, assetID string, record Record) {
	c.mu.Lock()
	c.entries[cacheKey(wallet, assetID)] = record
	c.mu.Unlock()
}
