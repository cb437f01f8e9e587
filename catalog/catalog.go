package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Asset is one purchasable markdown document. Pricing and authorship live
// upstream; the gateway only needs the fields that drive the payment
// exchange.
type Asset struct {
	ID            string
	Title         string
	SellerAddress string
	CreatorWallet string
	// Price is the asset price in token base units, e.g. "500000" for
	// 0.50 USDC.
	Price string
}

// Store is the catalog contract the gateway depends on. The real
// marketplace backs this with its content database.
type Store interface {
	GetAsset(ctx context.Context, id string) (*Asset, error)
	LoadContent(ctx context.Context, id string) ([]byte, error)
}

// ErrAssetNotFound reports an unknown asset ID.
type ErrAssetNotFound struct {
	ID string
}

func (e *ErrAssetNotFound) Error() string {
	return fmt.Sprintf("asset not found: %s", e.ID)
}

// MemoryStore is an in-memory Store for the demo binary and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	assets  map[string]*Asset
	content map[string][]byte
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:  make(map[string]*Asset),
		content: make(map[string][]byte),
	}
}

// Put registers an asset with its markdown content.
func (s *MemoryStore) Put(asset *Asset, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *asset
	s.assets[asset.ID] = &copied
	s.content[asset.ID] = content
}

func (s *MemoryStore) GetAsset(ctx context.Context, id string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[id]
	if !ok {
		return nil, &ErrAssetNotFound{ID: id}
	}
	copied := *asset
	return &copied, nil
}

func (s *MemoryStore) LoadContent(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.content[id]
	if !ok {
		return nil, &ErrAssetNotFound{ID: id}
	}
	return content, nil
}

// IsCreator reports whether wallet published the asset. Comparison is
// case-insensitive since EVM addresses are checksum-cased inconsistently
// by clients.
func IsCreator(asset *Asset, wallet string) bool {
	return asset.CreatorWallet != "" && strings.EqualFold(asset.CreatorWallet, wallet)
}
