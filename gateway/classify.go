package gateway

import (
	"net/http"

	"github.com/quillmarket/quillgate/types"
)

// Request header names for the download surface.
const (
	HeaderClientMode          = "X-CLIENT-MODE"
	HeaderWalletAddress       = "X-WALLET-ADDRESS"
	HeaderPaymentSignature    = "PAYMENT-SIGNATURE"
	HeaderPurchaseReceipt     = "X-PURCHASE-RECEIPT"
	HeaderRedownloadSignature = "X-REDOWNLOAD-SIGNATURE"
	HeaderRedownloadTimestamp = "X-REDOWNLOAD-TIMESTAMP"
	HeaderRedownloadSession   = "X-REDOWNLOAD-SESSION"
	HeaderAuthSignature       = "X-AUTH-SIGNATURE"
	HeaderAuthTimestamp       = "X-AUTH-TIMESTAMP"
	HeaderTransferMethod      = "X-ASSET-TRANSFER-METHOD"

	// Response headers.
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	HeaderPaymentResponse = "PAYMENT-RESPONSE"
	HeaderReceiptOut      = "X-PURCHASE-RECEIPT"
	HeaderCorrelationID   = "X-CORRELATION-ID"

	// Retired request headers from protocol v1. Their presence is a hard
	// reject so stale clients upgrade instead of silently re-buying.
	headerDeprecatedPayment  = "PAYMENT"
	headerDeprecatedXPayment = "X-PAYMENT"

	clientModeAgent = "agent"
)

// RequestKind is the outcome of request classification.
type RequestKind int

const (
	// KindRejected terminates the request before any payment or
	// entitlement work.
	KindRejected RequestKind = iota
	// KindRedownloadReceipt proves entitlement with a purchase receipt.
	KindRedownloadReceipt
	// KindRedownloadSession proves wallet ownership with a session token.
	KindRedownloadSession
	// KindRedownloadSignature proves wallet ownership with a live
	// personal-sign challenge.
	KindRedownloadSignature
	// KindFreshChallenge answers 402 with payment requirements.
	KindFreshChallenge
	// KindFreshPayment carries a signed payment payload to settle.
	KindFreshPayment
)

// DownloadHeaders is the decoded header set of one download request.
type DownloadHeaders struct {
	ClientMode          string
	Wallet              string
	PaymentSignature    string
	Receipt             string
	RedownloadSignature string
	RedownloadTimestamp string
	Session             string
	AuthSignature       string
	AuthTimestamp       string
	TransferOverride    string
	DeprecatedPayment   bool
}

// StrictAgent reports whether the client declared agent mode. The
// declaration is an advisory hint with no cryptographic binding; it only
// ever narrows what the gateway accepts, so a spoofed value cannot widen
// access.
func (h DownloadHeaders) StrictAgent() bool {
	return h.ClientMode == clientModeAgent
}

// ReadHeaders extracts the download header set from a request.
func ReadHeaders(header http.Header) DownloadHeaders {
	return DownloadHeaders{
		ClientMode:          header.Get(HeaderClientMode),
		Wallet:              header.Get(HeaderWalletAddress),
		PaymentSignature:    header.Get(HeaderPaymentSignature),
		Receipt:             header.Get(HeaderPurchaseReceipt),
		RedownloadSignature: header.Get(HeaderRedownloadSignature),
		RedownloadTimestamp: header.Get(HeaderRedownloadTimestamp),
		Session:             header.Get(HeaderRedownloadSession),
		AuthSignature:       header.Get(HeaderAuthSignature),
		AuthTimestamp:       header.Get(HeaderAuthTimestamp),
		TransferOverride:    header.Get(HeaderTransferMethod),
		DeprecatedPayment:   header.Get(headerDeprecatedPayment) != "" || header.Get(headerDeprecatedXPayment) != "",
	}
}

// redownloadShaped reports whether any entitlement-proof header is present.
// A shaped-but-invalid set must reject, never fall through to a fresh
// purchase: falling through would re-charge a wallet that was trying to
// prove it already paid.
func (h DownloadHeaders) redownloadShaped() bool {
	return h.Receipt != "" || h.Session != "" ||
		h.RedownloadSignature != "" || h.RedownloadTimestamp != "" ||
		h.AuthSignature != "" || h.AuthTimestamp != ""
}

// Classify maps a header set to a request kind. Rules apply in priority
// order and the first match wins. A non-nil error accompanies KindRejected.
func Classify(h DownloadHeaders) (RequestKind, *types.PaymentError) {
	if h.DeprecatedPayment {
		return KindRejected, types.NewPaymentError(
			types.ErrCodeDeprecatedPaymentHeader, types.ClassPermanent,
			"the PAYMENT header is retired; submit the payload in PAYMENT-SIGNATURE")
	}

	if h.StrictAgent() {
		if h.Session != "" {
			return KindRejected, types.NewPaymentError(
				types.ErrCodeInvalidRedownloadHeaders, types.ClassPermanent,
				"session recovery is not available in agent mode")
		}
		if h.Receipt != "" {
			// Agent receipt recovery requires proof of live key control,
			// not just possession of the receipt string.
			if h.Wallet == "" || h.AuthSignature == "" || h.AuthTimestamp == "" {
				return KindRejected, types.NewPaymentError(
					types.ErrCodeInvalidRedownloadHeaders, types.ClassPermanent,
					"agent receipt redownload requires X-WALLET-ADDRESS, X-AUTH-SIGNATURE and X-AUTH-TIMESTAMP")
			}
			return KindRedownloadReceipt, nil
		}
	}

	if h.redownloadShaped() {
		// The valid combinations are exact: any extra proof header outside
		// the combination rejects rather than being silently ignored.
		noAuthChallenge := h.AuthSignature == "" && h.AuthTimestamp == ""
		switch {
		case h.Wallet != "" && h.Receipt != "" && h.RedownloadSignature == "" && h.RedownloadTimestamp == "" && h.Session == "" && noAuthChallenge:
			return KindRedownloadReceipt, nil
		case h.Wallet != "" && h.Session != "" && h.Receipt == "" && h.RedownloadSignature == "" && h.RedownloadTimestamp == "" && noAuthChallenge:
			return KindRedownloadSession, nil
		case h.Wallet != "" && h.RedownloadSignature != "" && h.RedownloadTimestamp != "" && h.Receipt == "" && h.Session == "" && noAuthChallenge:
			return KindRedownloadSignature, nil
		default:
			return KindRejected, types.NewPaymentError(
				types.ErrCodeInvalidRedownloadHeaders, types.ClassPermanent,
				"redownload headers do not form a valid combination")
		}
	}

	if h.PaymentSignature != "" {
		return KindFreshPayment, nil
	}
	return KindFreshChallenge, nil
}
