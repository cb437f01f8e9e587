// Package types defines the wire-level payment protocol types exchanged
// between buyers, the gateway, and facilitator services.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// ProtocolVersion is the x402 protocol version spoken by the gateway.
const ProtocolVersion = 2

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// ChainID returns the EVM chain ID for an eip155 network.
func (n Network) ChainID() (*big.Int, error) {
	namespace, reference, err := n.Parse()
	if err != nil {
		return nil, err
	}
	if namespace != "eip155" {
		return nil, fmt.Errorf("not an EVM network: %s", n)
	}
	chainID, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain reference: %s", reference)
	}
	return chainID, nil
}

// TransferMethod identifies which on-chain mechanism a payment payload uses.
// The method is resolved exactly once at the protocol boundary; downstream
// code branches on this value, never on the raw payload shape.
type TransferMethod string

const (
	// TransferMethodEIP3009 uses transferWithAuthorization (USDC and friends)
	TransferMethodEIP3009 TransferMethod = "eip3009"
	// TransferMethodPermit2 uses Permit2 witness transfers via the canonical proxy
	TransferMethodPermit2 TransferMethod = "permit2"
)

// PaymentRequirements defines what payment is acceptable for an asset.
// Instances are immutable once issued; buyers must echo them back
// byte-identically in PaymentPayload.Accepted.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// TransferMethod returns the asset transfer method advertised in Extra,
// defaulting to EIP-3009.
func (r PaymentRequirements) TransferMethod() TransferMethod {
	if r.Extra != nil {
		if m, ok := r.Extra["assetTransferMethod"].(string); ok && m == string(TransferMethodPermit2) {
			return TransferMethodPermit2
		}
	}
	return TransferMethodEIP3009
}

// PaymentPayload contains the signed payment authorization submitted by a buyer
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme,omitempty"`
	Network     Network                `json:"network,omitempty"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     map[string]interface{} `json:"payload"`
}

// ResolveTransferMethod inspects the tagged union inside Payload and returns
// the transfer method. Exactly one branch must be present: a payload carrying
// both an EIP-3009 authorization and a Permit2 authorization (or neither) is
// malformed.
func (p PaymentPayload) ResolveTransferMethod() (TransferMethod, error) {
	if p.Payload == nil {
		return "", fmt.Errorf("payment payload is empty")
	}
	_, hasAuth := p.Payload["authorization"]
	_, hasPermit2 := p.Payload["permit2Authorization"]
	switch {
	case hasAuth && hasPermit2:
		return "", fmt.Errorf("payload mixes eip3009 and permit2 branches")
	case hasAuth:
		return TransferMethodEIP3009, nil
	case hasPermit2:
		return TransferMethodPermit2, nil
	default:
		return "", fmt.Errorf("payload carries neither an authorization nor a permit2Authorization")
	}
}

// PaymentRequired is the 402 challenge sent to buyers
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyRequest contains the payment to verify
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse contains the facilitator's verification result
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// SettleRequest contains the payment to settle
type SettleRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse contains the settlement result. A given payment payload
// (same nonce) produces exactly one SettleResponse; retries observe the
// cached copy.
type SettleResponse struct {
	Success      bool    `json:"success"`
	ErrorReason  string  `json:"errorReason,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	Payer        string  `json:"payer,omitempty"`
	Transaction  string  `json:"transaction"`
	Network      Network `json:"network"`
}

// SupportedKind represents a single payment configuration a facilitator supports
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// RequirementsEqual reports whether the accepted requirements echoed by a
// buyer match the requirements the gateway issued. Comparison is over the
// canonical JSON encoding so field order and numeric formatting don't matter.
func RequirementsEqual(a, b PaymentRequirements) bool {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}

	var aNorm, bNorm interface{}
	if err := json.Unmarshal(aJSON, &aNorm); err != nil {
		return false
	}
	if err := json.Unmarshal(bJSON, &bNorm); err != nil {
		return false
	}

	aNormJSON, _ := json.Marshal(aNorm)
	bNormJSON, _ := json.Marshal(bNorm)

	return string(aNormJSON) == string(bNormJSON)
}
