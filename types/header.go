package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// EncodePaymentRequiredHeader encodes a 402 challenge for the
// PAYMENT-REQUIRED response header.
func EncodePaymentRequiredHeader(required PaymentRequired) (string, error) {
	data, err := json.Marshal(required)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// SettlementReceipt is the PAYMENT-RESPONSE header body confirming a
// delivered asset: how the buyer became entitled and, for fresh purchases,
// the settling transaction.
type SettlementReceipt struct {
	Success           bool    `json:"success"`
	Transaction       string  `json:"transaction,omitempty"`
	Network           Network `json:"network"`
	EntitlementSource string  `json:"entitlementSource"`
}

// EncodeSettlementHeader encodes the PAYMENT-RESPONSE header value.
func EncodeSettlementHeader(receipt SettlementReceipt) (string, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader validates and decodes a PAYMENT-SIGNATURE header.
// It performs comprehensive validation of:
// - Base64 format
// - JSON structure
// - Required fields and their types
//
// Returns the decoded PaymentPayload if valid, or an error with a descriptive message.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	// Parse JSON into a map first for validation
	var raw map[string]interface{}
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	if _, exists := raw["x402Version"]; !exists {
		return nil, fmt.Errorf("missing required field: x402Version")
	}
	if version, ok := raw["x402Version"].(float64); !ok {
		return nil, fmt.Errorf("invalid field type: x402Version must be a number")
	} else if int(version) != ProtocolVersion {
		// v1 speakers announce themselves with the retired PAYMENT header
		// and are answered 410 before decoding; anything else here is a
		// version this gateway does not speak.
		return nil, fmt.Errorf("unsupported x402Version: %d (this gateway speaks version %d)", int(version), ProtocolVersion)
	}

	if _, exists := raw["accepted"]; !exists {
		return nil, fmt.Errorf("missing required field: accepted")
	}
	if _, ok := raw["accepted"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("invalid field type: accepted must be an object")
	}

	if _, exists := raw["payload"]; !exists {
		return nil, fmt.Errorf("missing required field: payload")
	}
	if _, ok := raw["payload"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("invalid field type: payload must be an object")
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}

	return &payload, nil
}
