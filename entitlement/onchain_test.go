package entitlement

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmarket/quillgate/types"
)

const (
	proverWallet = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	proverSeller = "0x1111111111111111111111111111111111111111"
	proverToken  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

type fakeLogSource struct {
	latest      uint64
	logs        []ethtypes.Log
	blockErr    error
	filterErr   error
	filterCalls int
	ranges      [][2]uint64
}

func (f *fakeLogSource) BlockNumber(ctx context.Context) (uint64, error) {
	if f.blockErr != nil {
		return 0, f.blockErr
	}
	return f.latest, nil
}

func (f *fakeLogSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.filterCalls++
	f.ranges = append(f.ranges, [2]uint64{q.FromBlock.Uint64(), q.ToBlock.Uint64()})
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []ethtypes.Log
	for _, entry := range f.logs {
		if entry.BlockNumber >= q.FromBlock.Uint64() && entry.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, entry)
		}
	}
	return out, nil
}

func transferLog(block uint64, value int64, txHash string) ethtypes.Log {
	data := make([]byte, 32)
	big.NewInt(value).FillBytes(data)
	return ethtypes.Log{
		BlockNumber: block,
		Data:        data,
		TxHash:      common.HexToHash(txHash),
	}
}

func newTestResolver(t *testing.T, sources map[string]*fakeLogSource, endpoints ...string) (*Resolver, *Cache) {
	t.Helper()
	cache := NewCache(CacheConfig{})
	resolver := NewResolver(ResolverConfig{
		Endpoints:    endpoints,
		TokenAddress: proverToken,
		ChunkSize:    10000,
		Dial: func(ctx context.Context, url string) (LogSource, error) {
			source, ok := sources[url]
			if !ok {
				return nil, errors.New("unknown endpoint")
			}
			return source, nil
		},
	}, cache)
	return resolver, cache
}

func TestResolveSufficientTransfer(t *testing.T) {
	source := &fakeLogSource{
		latest: 5000,
		logs:   []ethtypes.Log{transferLog(1200, 600000, "0x01")},
	}
	resolver, _ := newTestResolver(t, map[string]*fakeLogSource{"rpc-a": source}, "rpc-a")

	transaction, err := resolver.Resolve(context.Background(), proverWallet, "asset-1", big.NewInt(500000), proverSeller)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x01").Hex(), transaction)

	t.Run("positive result is cached", func(t *testing.T) {
		calls := source.filterCalls
		transaction, err := resolver.Resolve(context.Background(), proverWallet, "asset-1", big.NewInt(500000), proverSeller)
		require.NoError(t, err)
		assert.Equal(t, common.HexToHash("0x01").Hex(), transaction)
		assert.Equal(t, calls, source.filterCalls, "cached entitlement must not rescan")
	})
}

func TestResolveInsufficientTransfer(t *testing.T) {
	source := &fakeLogSource{
		latest: 5000,
		logs:   []ethtypes.Log{transferLog(1200, 400000, "0x02")},
	}
	resolver, _ := newTestResolver(t, map[string]*fakeLogSource{"rpc-a": source}, "rpc-a")

	_, err := resolver.Resolve(context.Background(), proverWallet, "asset-1", big.NewInt(500000), proverSeller)
	require.Error(t, err)
	paymentErr, ok := err.(*types.PaymentError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeNoMatchingTransfer, paymentErr.Code)
	assert.Equal(t, types.ClassPermanent, paymentErr.Class)
}

func TestResolveChunksBlockRanges(t *testing.T) {
	source := &fakeLogSource{latest: 25000}
	resolver, _ := newTestResolver(t, map[string]*fakeLogSource{"rpc-a": source}, "rpc-a")

	_, err := resolver.Resolve(context.Background(), proverWallet, "asset-1", big.NewInt(1), proverSeller)
	require.Error(t, err) // no logs at all

	require.Equal(t, 3, source.filterCalls)
	assert.Equal(t, [2]uint64{0, 9999}, source.ranges[0])
	assert.Equal(t, [2]uint64{10000, 19999}, source.ranges[1])
	assert.Equal(t, [2]uint64{20000, 25000}, source.ranges[2])
}

func TestResolveProviderFailover(t *testing.T) {
	broken := &fakeLogSource{latest: 5000, filterErr: errors.New("rate limited")}
	working := &fakeLogSource{
		latest: 5000,
		logs:   []ethtypes.Log{transferLog(100, 600000, "0x03")},
	}
	resolver, _ := newTestResolver(t,
		map[string]*fakeLogSource{"rpc-a": broken, "rpc-b": working},
		"rpc-a", "rpc-b")

	transaction, err := resolver.Resolve(context.Background(), proverWallet, "asset-1", big.NewInt(500000), proverSeller)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x03").Hex(), transaction)
	assert.Equal(t, 1, broken.filterCalls)
}

func TestResolveAllProvidersDown(t *testing.T) {
	down := &fakeLogSource{blockErr: errors.New("connection refused")}
	resolver, cache := newTestResolver(t, map[string]*fakeLogSource{"rpc-a": down}, "rpc-a")

	_, err := resolver.Resolve(context.Background(), proverWallet, "asset-1", big.NewInt(500000), proverSeller)
	require.Error(t, err)
	paymentErr, ok := err.(*types.PaymentError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeProvidersUnavailable, paymentErr.Code)
	assert.Equal(t, types.ClassUnavailable, paymentErr.Class)

	// Unavailability is cached distinctly, never as "not entitled".
	_, outcome := cache.Get(proverWallet, "asset-1")
	assert.Equal(t, OutcomeUnavailable, outcome)
}
