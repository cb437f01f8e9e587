package types

import "fmt"

// ErrorClass partitions failures for retry policy. The class is assigned at
// the boundary that produced the error (facilitator client, RPC resolver);
// retry decisions are a pure function of the class, never of message text.
type ErrorClass int

const (
	// ClassPermanent means retrying the identical request cannot succeed.
	ClassPermanent ErrorClass = iota
	// ClassTransient means a retry of the identical request may succeed.
	ClassTransient
	// ClassUnavailable means the failure is infrastructural (endpoint down,
	// undecodable response) and must surface as 503, never as "not entitled".
	ClassUnavailable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "permanent"
	}
}

// PaymentError is the typed error surfaced for every payment-protocol
// failure. Code is stable and machine-readable so agent clients can branch
// programmatically.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Class   ErrorClass             `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a new payment error
func NewPaymentError(code string, class ErrorClass, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message, Class: class}
}

// WithDetails attaches diagnostic details and returns the error for chaining.
func (e *PaymentError) WithDetails(details map[string]interface{}) *PaymentError {
	e.Details = details
	return e
}

// Stable error codes
const (
	ErrCodeInvalidPaymentHeader     = "invalid_payment_header"
	ErrCodeDeprecatedPaymentHeader  = "deprecated_payment_header"
	ErrCodeInvalidRedownloadHeaders = "invalid_redownload_headers"
	ErrCodeInvalidWalletAddress     = "invalid_wallet_address"
	ErrCodeAcceptedMismatch         = "accepted_requirements_mismatch"
	ErrCodeTransferMethodMismatch   = "transfer_method_mismatch"
	ErrCodeSignatureInvalid         = "invalid_signature"
	ErrCodeAuthorizerMismatch       = "signature_authorizer_mismatch"
	ErrCodeRecipientMismatch        = "recipient_mismatch"
	ErrCodeInsufficientAmount       = "insufficient_amount"
	ErrCodeAuthorizationExpired     = "authorization_expired"
	ErrCodeAuthorizationNotYetValid = "authorization_not_yet_valid"
	ErrCodeReceiptInvalid           = "invalid_receipt"
	ErrCodeSessionInvalid           = "invalid_session"
	ErrCodeNotEntitled              = "not_entitled"
	ErrCodeNoMatchingTransfer       = "no_matching_payment_transfer_found"
	ErrCodeSettlementFailed         = "settlement_failed"
	ErrCodeVerificationFailed       = "verification_failed"
	ErrCodeFacilitatorUnavailable   = "facilitator_unavailable"
	ErrCodeProvidersUnavailable     = "onchain_providers_unavailable"
	ErrCodeInvalidResponse          = "invalid_facilitator_response"
	ErrCodeAssetNotFound            = "asset_not_found"
	ErrCodeInternal                 = "internal_error"
)
