package evm

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quillmarket/quillgate/types"
)

// WalletKind classifies a payer wallet.
type WalletKind string

const (
	// WalletKindEOA is an externally owned account
	WalletKindEOA WalletKind = "eoa"
	// WalletKindContract is a deployed smart-contract wallet
	WalletKindContract WalletKind = "contract"
)

type codeFetcher func(ctx context.Context, account common.Address) ([]byte, error)

// WalletTypeDetector classifies payer wallets by probing for deployed code.
// Results are cached per address; deployment is effectively monotonic so the
// cache never needs invalidation within a process lifetime.
type WalletTypeDetector struct {
	mu    sync.RWMutex
	cache map[string]WalletKind
	fetch codeFetcher
}

// NewWalletTypeDetector creates a detector over a code-fetching function.
// Pass a closure over ethclient.Client.CodeAt for production use.
func NewWalletTypeDetector(fetch func(ctx context.Context, account common.Address) ([]byte, error)) *WalletTypeDetector {
	return &WalletTypeDetector{
		cache: make(map[string]WalletKind),
		fetch: fetch,
	}
}

// Detect returns the wallet kind for an address. Probe failures default to
// EOA: EIP-3009 is the safer challenge for an unknown wallet and a contract
// wallet will re-request with an explicit transfer-method override.
func (d *WalletTypeDetector) Detect(ctx context.Context, address string) WalletKind {
	key := common.HexToAddress(address).Hex()

	d.mu.RLock()
	kind, ok := d.cache[key]
	d.mu.RUnlock()
	if ok {
		return kind
	}

	kind = WalletKindEOA
	if d.fetch != nil {
		code, err := d.fetch(ctx, common.HexToAddress(address))
		if err != nil {
			// Don't cache a guess; the next request probes again.
			return kind
		}
		if len(code) > 0 {
			kind = WalletKindContract
		}
	}

	d.mu.Lock()
	d.cache[key] = kind
	d.mu.Unlock()
	return kind
}

// PreferredTransferMethod picks the transfer method for a payer wallet.
// Contract wallets cannot produce EOA-recoverable EIP-3009 signatures, so
// they are challenged with Permit2.
func (d *WalletTypeDetector) PreferredTransferMethod(ctx context.Context, address string) types.TransferMethod {
	if address != "" && d.Detect(ctx, address) == WalletKindContract {
		return types.TransferMethodPermit2
	}
	return types.TransferMethodEIP3009
}
