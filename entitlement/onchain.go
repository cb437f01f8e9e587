package entitlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/quillmarket/quillgate/types"
)

// transferTopic is the event signature hash of ERC-20 Transfer(address,address,uint256)
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// LogSource is the subset of an RPC client the resolver needs.
// *ethclient.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// ResolverConfig configures the on-chain fallback prover.
type ResolverConfig struct {
	// Endpoints are RPC URLs, tried in order.
	Endpoints []string

	// TokenAddress is the payment token contract whose Transfer logs are
	// scanned.
	TokenAddress string

	// StartBlock is where scanning begins (e.g. the marketplace deployment
	// block); scanning from genesis is wasteful and some providers refuse it.
	StartBlock uint64

	// ChunkSize is the block-range width per eth_getLogs call, sized to
	// respect provider log-range limits. Defaults to 10000.
	ChunkSize uint64

	// CallTimeout bounds each RPC call. Defaults to 10s.
	CallTimeout time.Duration

	Logger *zap.Logger

	// Dial opens a LogSource for an endpoint URL. Defaults to ethclient.Dial;
	// injectable for tests.
	Dial func(ctx context.Context, url string) (LogSource, error)
}

// Resolver proves historical on-chain payments by scanning ERC-20 Transfer
// logs when a buyer's receipt is missing or invalid. Results go through the
// entitlement cache so repeated misses don't hammer providers.
type Resolver struct {
	cfg    ResolverConfig
	cache  *Cache
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]LogSource
}

// NewResolver creates an on-chain entitlement resolver.
func NewResolver(cfg ResolverConfig, cache *Cache) *Resolver {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 10000
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (LogSource, error) {
			return ethclient.DialContext(ctx, url)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:     cfg,
		cache:   cache,
		logger:  logger,
		clients: make(map[string]LogSource),
	}
}

// Resolve confirms a historical payment of at least requiredAmount from
// wallet to seller on the payment token, returning the proving transaction
// hash. Provider errors are collected and the next provider tried; only
// after exhausting all providers does the resolver report unavailability,
// which callers surface as 503 rather than 401.
func (r *Resolver) Resolve(ctx context.Context, wallet, assetID string, requiredAmount *big.Int, seller string) (string, error) {
	if record, outcome := r.cache.Get(wallet, assetID); outcome != OutcomeUnknown {
		switch outcome {
		case OutcomeEntitled:
			return record.Transaction, nil
		case OutcomeUnavailable:
			return "", types.NewPaymentError(types.ErrCodeProvidersUnavailable, types.ClassUnavailable, record.Detail)
		default:
			return "", types.NewPaymentError(types.ErrCodeNoMatchingTransfer, types.ClassPermanent,
				"no matching payment transfer found")
		}
	}

	var providerErrs []string
	for _, endpoint := range r.cfg.Endpoints {
		transaction, err := r.scanProvider(ctx, endpoint, wallet, seller, requiredAmount)
		if err != nil {
			providerErrs = append(providerErrs, fmt.Sprintf("%s: %v", endpoint, err))
			r.logger.Warn("onchain provider failed, trying next",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			continue
		}
		if transaction != "" {
			r.cache.PutEntitled(wallet, assetID, transaction, SourceOnchain)
			return transaction, nil
		}
		// Full scan completed with no matching transfer.
		r.cache.PutNotEntitled(wallet, assetID)
		return "", types.NewPaymentError(types.ErrCodeNoMatchingTransfer, types.ClassPermanent,
			"no matching payment transfer found")
	}

	detail := fmt.Sprintf("%d provider(s) failed: %v", len(providerErrs), providerErrs)
	r.cache.PutUnavailable(wallet, assetID, detail)
	return "", types.NewPaymentError(types.ErrCodeProvidersUnavailable, types.ClassUnavailable, detail)
}

// scanProvider pages through Transfer(from=wallet, to=seller) logs on one
// provider in fixed-size chunks. Returns the first transaction whose value
// covers requiredAmount, "" when the scan finishes clean with no match.
func (r *Resolver) scanProvider(ctx context.Context, endpoint, wallet, seller string, requiredAmount *big.Int) (string, error) {
	client, err := r.client(ctx, endpoint)
	if err != nil {
		return "", err
	}

	blockCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	latest, err := client.BlockNumber(blockCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to get latest block: %w", err)
	}

	walletTopic := common.BytesToHash(common.HexToAddress(wallet).Bytes())
	sellerTopic := common.BytesToHash(common.HexToAddress(seller).Bytes())
	token := common.HexToAddress(r.cfg.TokenAddress)

	for from := r.cfg.StartBlock; from <= latest; from += r.cfg.ChunkSize {
		to := from + r.cfg.ChunkSize - 1
		if to > latest {
			to = latest
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{token},
			Topics: [][]common.Hash{
				{transferTopic},
				{walletTopic},
				{sellerTopic},
			},
		}

		chunkCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		logs, err := client.FilterLogs(chunkCtx, query)
		cancel()
		if err != nil {
			return "", fmt.Errorf("failed to filter logs in blocks %d-%d: %w", from, to, err)
		}

		for _, entry := range logs {
			if len(entry.Data) == 0 {
				continue
			}
			value := new(big.Int).SetBytes(entry.Data)
			if value.Cmp(requiredAmount) >= 0 {
				return entry.TxHash.Hex(), nil
			}
		}
	}

	return "", nil
}

// client returns the lazily dialed LogSource for an endpoint.
func (r *Resolver) client(ctx context.Context, endpoint string) (LogSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[endpoint]; ok {
		return client, nil
	}
	client, err := r.cfg.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial provider: %w", err)
	}
	r.clients[endpoint] = client
	return client, nil
}
