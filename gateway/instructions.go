package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/quillmarket/quillgate/types"
)

// SigningInstructions tells a client exactly how to shape the payload branch
// for a transfer method. Included in every 402 body so agent clients can
// construct payloads without out-of-band documentation.
type SigningInstructions struct {
	TransferMethod  string   `json:"transferMethod"`
	RequiredFields  []string `json:"requiredFields"`
	ForbiddenFields []string `json:"forbiddenFields"`
	SignatureKind   string   `json:"signatureKind"`
	Notes           string   `json:"notes,omitempty"`
}

// InstructionsFor returns the signing instructions for a transfer method.
func InstructionsFor(method types.TransferMethod) SigningInstructions {
	if method == types.TransferMethodPermit2 {
		return SigningInstructions{
			TransferMethod: string(types.TransferMethodPermit2),
			RequiredFields: []string{
				"signature",
				"permit2Authorization.from",
				"permit2Authorization.permitted.token",
				"permit2Authorization.permitted.amount",
				"permit2Authorization.spender",
				"permit2Authorization.nonce",
				"permit2Authorization.deadline",
				"permit2Authorization.witness.to",
				"permit2Authorization.witness.validAfter",
			},
			ForbiddenFields: []string{"authorization"},
			SignatureKind:   "eip712_permit_witness_transfer_from",
			Notes:           "spender must be the canonical Permit2 proxy; witness.extra defaults to 0x",
		}
	}
	return SigningInstructions{
		TransferMethod: string(types.TransferMethodEIP3009),
		RequiredFields: []string{
			"signature",
			"authorization.from",
			"authorization.to",
			"authorization.value",
			"authorization.validAfter",
			"authorization.validBefore",
			"authorization.nonce",
		},
		ForbiddenFields: []string{"permit2Authorization"},
		SignatureKind:   "eip712_transfer_with_authorization",
	}
}

const eip3009PayloadSchema = `{
	"type": "object",
	"required": ["signature", "authorization"],
	"properties": {
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"authorization": {
			"type": "object",
			"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
			"properties": {
				"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"value": {"type": "string", "pattern": "^[0-9]+$"},
				"validAfter": {"type": "string", "pattern": "^[0-9]+$"},
				"validBefore": {"type": "string", "pattern": "^[0-9]+$"},
				"nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
			}
		}
	}
}`

const permit2PayloadSchema = `{
	"type": "object",
	"required": ["signature", "permit2Authorization"],
	"properties": {
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"permit2Authorization": {
			"type": "object",
			"required": ["from", "permitted", "spender", "nonce", "deadline", "witness"],
			"properties": {
				"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"permitted": {
					"type": "object",
					"required": ["token", "amount"],
					"properties": {
						"token": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
						"amount": {"type": "string", "pattern": "^[0-9]+$"}
					}
				},
				"spender": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"nonce": {"type": "string", "pattern": "^[0-9]+$"},
				"deadline": {"type": "string", "pattern": "^[0-9]+$"},
				"witness": {
					"type": "object",
					"required": ["to", "validAfter"],
					"properties": {
						"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
						"validAfter": {"type": "string", "pattern": "^[0-9]+$"}
					}
				}
			}
		}
	}
}`

// ValidatePayloadShape checks the structural shape of a decoded payload
// branch against its transfer method's schema before any signature work.
// Returned strings are per-field schema violations for the diagnostics body.
func ValidatePayloadShape(method types.TransferMethod, payload map[string]interface{}) ([]string, error) {
	schema := eip3009PayloadSchema
	if method == types.TransferMethodPermit2 {
		schema = permit2PayloadSchema
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for validation: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(payloadJSON)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		violations = append(violations, violation.String())
	}
	return violations, nil
}

// RequirementsDiff compares the requirements a buyer echoed against the ones
// the gateway issues for the asset, field by field, for the mismatch
// diagnostics object in 402 bodies.
func RequirementsDiff(issued, accepted types.PaymentRequirements) map[string]interface{} {
	diff := make(map[string]interface{})
	compare := func(field, expected, actual string) {
		if expected != actual {
			diff[field] = map[string]string{"expected": expected, "actual": actual}
		}
	}
	compare("scheme", issued.Scheme, accepted.Scheme)
	compare("network", string(issued.Network), string(accepted.Network))
	compare("asset", issued.Asset, accepted.Asset)
	compare("amount", issued.Amount, accepted.Amount)
	compare("payTo", issued.PayTo, accepted.PayTo)
	if issued.MaxTimeoutSeconds != accepted.MaxTimeoutSeconds {
		diff["maxTimeoutSeconds"] = map[string]int{
			"expected": issued.MaxTimeoutSeconds,
			"actual":   accepted.MaxTimeoutSeconds,
		}
	}
	issuedExtra, _ := json.Marshal(issued.Extra)
	acceptedExtra, _ := json.Marshal(accepted.Extra)
	if string(issuedExtra) != string(acceptedExtra) {
		diff["extra"] = map[string]string{
			"expected": string(issuedExtra),
			"actual":   string(acceptedExtra),
		}
	}
	return diff
}
