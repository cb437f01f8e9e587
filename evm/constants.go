package evm

import (
	"math/big"

	"github.com/quillmarket/quillgate/types"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// Default validity period for fresh authorizations (1 hour)
	DefaultValidityPeriod = 3600 // seconds

	// ValidBeforeSkew is the minimum remaining validity (in seconds) an
	// authorization must have; rejects payloads that would expire before the
	// settle transaction can land.
	ValidBeforeSkew = 6

	// PERMIT2Address is the canonical Uniswap Permit2 contract address.
	// Same address on all EVM chains via CREATE2 deployment.
	PERMIT2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

	// Permit2ProxyAddress is the x402 exact payment proxy that executes
	// witness transfers. Must be the spender in every Permit2 authorization.
	Permit2ProxyAddress = "0x4020615294c913F045dc10f0a5cdEbd86c280001"

	// Permit2DeadlineBuffer is the time buffer (in seconds) applied when
	// checking deadline expiration to account for block propagation time.
	Permit2DeadlineBuffer = 6
)

// AssetInfo contains the EIP-712 domain parameters of an ERC-20 token
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// NetworkConfigs maps CAIP-2 network identifiers to their configuration.
	NetworkConfigs = map[types.Network]NetworkConfig{
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}

	// TransferWithAuthorizationTypes defines the EIP-3009 EIP-712 types.
	TransferWithAuthorizationTypes = map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}

	// Permit2WitnessTypes defines the EIP-712 types for Permit2 with witness.
	// Field order MUST match the on-chain Permit2 contract.
	Permit2WitnessTypes = map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"PermitWitnessTransferFrom": {
			{Name: "permitted", Type: "TokenPermissions"},
			{Name: "spender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "witness", Type: "Witness"},
		},
		"TokenPermissions": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
		"Witness": {
			{Name: "to", Type: "address"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "extra", Type: "bytes"},
		},
	}
)

// GetNetworkConfig returns the configuration for a network, or an error for
// networks the gateway does not serve.
func GetNetworkConfig(network types.Network) (NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return NetworkConfig{}, &types.PaymentError{
			Code:    "unsupported_network",
			Message: "unsupported network: " + string(network),
			Class:   types.ClassPermanent,
		}
	}
	return config, nil
}
