package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// EIP3009Authorization represents the TransferWithAuthorization message fields
type EIP3009Authorization struct {
	From        string `json:"from"`        // Ethereum address (hex)
	To          string `json:"to"`          // Ethereum address (hex)
	Value       string `json:"value"`       // Amount in base units as decimal string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as string
	ValidBefore string `json:"validBefore"` // Unix timestamp as string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// EIP3009Payload is the eip3009 branch of the payment payload union
type EIP3009Payload struct {
	Signature     string               `json:"signature,omitempty"`
	Authorization EIP3009Authorization `json:"authorization"`
}

// Permit2TokenPermissions represents the permitted token and amount for Permit2
type Permit2TokenPermissions struct {
	Token  string `json:"token"`  // Token contract address (hex)
	Amount string `json:"amount"` // Amount in base units as decimal string
}

// Permit2Witness is the witness struct verified on-chain by the proxy.
// Upper time bound is enforced by Permit2's deadline, not a witness field.
type Permit2Witness struct {
	To         string `json:"to"`         // Destination address for funds (hex)
	ValidAfter string `json:"validAfter"` // Unix timestamp (decimal string)
	Extra      string `json:"extra"`      // Extra data (hex, typically "0x")
}

// Permit2Authorization maps to the PermitWitnessTransferFrom struct
type Permit2Authorization struct {
	From      string                  `json:"from"`
	Permitted Permit2TokenPermissions `json:"permitted"`
	Spender   string                  `json:"spender"`  // Must be the canonical proxy
	Nonce     string                  `json:"nonce"`    // uint256 as decimal string
	Deadline  string                  `json:"deadline"` // Unix timestamp as decimal string
	Witness   Permit2Witness          `json:"witness"`
}

// Permit2Transaction carries the pre-encoded settle calldata some clients attach
type Permit2Transaction struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// Permit2Payload is the permit2 branch of the payment payload union
type Permit2Payload struct {
	Signature            string               `json:"signature"`
	From                 string               `json:"from,omitempty"`
	Permit2Authorization Permit2Authorization `json:"permit2Authorization"`
	Transaction          *Permit2Transaction  `json:"transaction,omitempty"`
}

// EIP3009FromMap parses the eip3009 union branch out of a raw payload map.
func EIP3009FromMap(data map[string]interface{}) (*EIP3009Payload, error) {
	payload := &EIP3009Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}
	fields := map[string]*string{
		"from":        &payload.Authorization.From,
		"to":          &payload.Authorization.To,
		"value":       &payload.Authorization.Value,
		"validAfter":  &payload.Authorization.ValidAfter,
		"validBefore": &payload.Authorization.ValidBefore,
		"nonce":       &payload.Authorization.Nonce,
	}
	for name, dst := range fields {
		v, ok := auth[name].(string)
		if !ok {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", name)
		}
		*dst = v
	}

	return payload, nil
}

// Permit2FromMap parses the permit2 union branch out of a raw payload map.
func Permit2FromMap(data map[string]interface{}) (*Permit2Payload, error) {
	payload := &Permit2Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}
	if from, ok := data["from"].(string); ok {
		payload.From = from
	}

	auth, ok := data["permit2Authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization field")
	}

	if from, ok := auth["from"].(string); ok {
		payload.Permit2Authorization.From = from
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.from field")
	}
	if spender, ok := auth["spender"].(string); ok {
		payload.Permit2Authorization.Spender = spender
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.spender field")
	}
	if nonce, ok := auth["nonce"].(string); ok {
		payload.Permit2Authorization.Nonce = nonce
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.nonce field")
	}
	if deadline, ok := auth["deadline"].(string); ok {
		payload.Permit2Authorization.Deadline = deadline
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.deadline field")
	}

	permitted, ok := auth["permitted"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted field")
	}
	if token, ok := permitted["token"].(string); ok {
		payload.Permit2Authorization.Permitted.Token = token
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted.token field")
	}
	if amount, ok := permitted["amount"].(string); ok {
		payload.Permit2Authorization.Permitted.Amount = amount
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted.amount field")
	}

	witness, ok := auth["witness"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness field")
	}
	if to, ok := witness["to"].(string); ok {
		payload.Permit2Authorization.Witness.To = to
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness.to field")
	}
	if validAfter, ok := witness["validAfter"].(string); ok {
		payload.Permit2Authorization.Witness.ValidAfter = validAfter
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness.validAfter field")
	}
	if extra, ok := witness["extra"].(string); ok {
		payload.Permit2Authorization.Witness.Extra = extra
	} else {
		// Extra is optional, default to "0x"
		payload.Permit2Authorization.Witness.Extra = "0x"
	}

	if tx, ok := data["transaction"].(map[string]interface{}); ok {
		parsed := &Permit2Transaction{}
		if to, ok := tx["to"].(string); ok {
			parsed.To = to
		}
		if calldata, ok := tx["data"].(string); ok {
			parsed.Data = calldata
		}
		payload.Transaction = parsed
	}

	return payload, nil
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// HexToBytes decodes a hex string with or without a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}
