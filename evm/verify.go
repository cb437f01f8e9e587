package evm

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quillmarket/quillgate/types"
)

// RecoverDigestSigner recovers the address that signed a 32-byte digest.
// Accepts both 0/1 and 27/28 recovery IDs.
func RecoverDigestSigner(digest []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// RecoverPersonalSigner recovers the wallet that personally signed a plain
// message (EIP-191, the SIWE style). Message text alone is authority here:
// there are no token transfer semantics.
func RecoverPersonalSigner(message string, signatureHex string) (string, error) {
	signature, err := HexToBytes(signatureHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	signer, err := RecoverDigestSigner(accounts.TextHash([]byte(message)), signature)
	if err != nil {
		return "", err
	}
	return signer.Hex(), nil
}

// VerifyTransferAuthorization validates an EIP-3009 payload against the
// issued requirements and recovers its signer.
//
// Contract constraints are checked before any signature work so malformed
// payloads fail fast without spending hashing or settlement calls. The
// recovered signer must equal authorization.from.
func VerifyTransferAuthorization(
	requirements types.PaymentRequirements,
	payload *EIP3009Payload,
	now time.Time,
) (string, error) {
	auth := payload.Authorization

	if payload.Signature == "" {
		return "", types.NewPaymentError(types.ErrCodeSignatureInvalid, types.ClassPermanent, "missing signature")
	}
	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return "", types.NewPaymentError(types.ErrCodeRecipientMismatch, types.ClassPermanent,
			"authorization.to does not match payTo").WithDetails(map[string]interface{}{
			"expected": requirements.PayTo,
			"actual":   auth.To,
		})
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"invalid authorization value: "+auth.Value)
	}
	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return "", types.NewPaymentError(types.ErrCodeInternal, types.ClassPermanent,
			"invalid required amount: "+requirements.Amount)
	}
	if value.Cmp(required) < 0 {
		return "", types.NewPaymentError(types.ErrCodeInsufficientAmount, types.ClassPermanent,
			"authorization value below required amount").WithDetails(map[string]interface{}{
			"required": requirements.Amount,
			"actual":   auth.Value,
		})
	}

	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"invalid validAfter: "+auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"invalid validBefore: "+auth.ValidBefore)
	}
	nowUnix := big.NewInt(now.Unix())
	if validAfter.Cmp(nowUnix) > 0 {
		return "", types.NewPaymentError(types.ErrCodeAuthorizationNotYetValid, types.ClassPermanent,
			"authorization not yet valid")
	}
	if validBefore.Cmp(big.NewInt(now.Unix()+ValidBeforeSkew)) <= 0 {
		return "", types.NewPaymentError(types.ErrCodeAuthorizationExpired, types.ClassPermanent,
			"authorization expired or expires too soon")
	}

	config, err := GetNetworkConfig(requirements.Network)
	if err != nil {
		return "", err
	}
	tokenName, tokenVersion := tokenDomain(requirements, config)

	digest, err := HashTransferAuthorization(auth, config.ChainID, requirements.Asset, tokenName, tokenVersion)
	if err != nil {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent, err.Error())
	}
	signature, err := HexToBytes(payload.Signature)
	if err != nil {
		return "", types.NewPaymentError(types.ErrCodeSignatureInvalid, types.ClassPermanent,
			"invalid signature encoding")
	}
	signer, err := RecoverDigestSigner(digest, signature)
	if err != nil {
		return "", types.NewPaymentError(types.ErrCodeSignatureInvalid, types.ClassPermanent, err.Error())
	}

	if !strings.EqualFold(signer.Hex(), auth.From) {
		return "", types.NewPaymentError(types.ErrCodeAuthorizerMismatch, types.ClassPermanent,
			"recovered signer does not match authorization.from").WithDetails(map[string]interface{}{
			"claimed":   auth.From,
			"recovered": signer.Hex(),
		})
	}

	return signer.Hex(), nil
}

// VerifyPermit2Transfer validates a Permit2 payload against the issued
// requirements and recovers its signer.
func VerifyPermit2Transfer(
	requirements types.PaymentRequirements,
	payload *Permit2Payload,
	now time.Time,
) (string, error) {
	auth := payload.Permit2Authorization

	if payload.Signature == "" {
		return "", types.NewPaymentError(types.ErrCodeSignatureInvalid, types.ClassPermanent, "missing signature")
	}
	if !strings.EqualFold(auth.Spender, Permit2ProxyAddress) {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"spender must be the canonical Permit2 proxy").WithDetails(map[string]interface{}{
			"expected": Permit2ProxyAddress,
			"actual":   auth.Spender,
		})
	}
	if !strings.EqualFold(auth.Permitted.Token, requirements.Asset) {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"permitted.token does not match asset").WithDetails(map[string]interface{}{
			"expected": requirements.Asset,
			"actual":   auth.Permitted.Token,
		})
	}
	if !strings.EqualFold(auth.Witness.To, requirements.PayTo) {
		return "", types.NewPaymentError(types.ErrCodeRecipientMismatch, types.ClassPermanent,
			"witness.to does not match payTo").WithDetails(map[string]interface{}{
			"expected": requirements.PayTo,
			"actual":   auth.Witness.To,
		})
	}

	amount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"invalid permitted amount: "+auth.Permitted.Amount)
	}
	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return "", types.NewPaymentError(types.ErrCodeInternal, types.ClassPermanent,
			"invalid required amount: "+requirements.Amount)
	}
	if amount.Cmp(required) < 0 {
		return "", types.NewPaymentError(types.ErrCodeInsufficientAmount, types.ClassPermanent,
			"permitted amount below required amount")
	}

	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"invalid deadline: "+auth.Deadline)
	}
	if deadline.Cmp(big.NewInt(now.Unix()+Permit2DeadlineBuffer)) < 0 {
		return "", types.NewPaymentError(types.ErrCodeAuthorizationExpired, types.ClassPermanent,
			"permit2 deadline expired")
	}
	validAfter, ok := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	if !ok {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"invalid validAfter: "+auth.Witness.ValidAfter)
	}
	if validAfter.Cmp(big.NewInt(now.Unix())) > 0 {
		return "", types.NewPaymentError(types.ErrCodeAuthorizationNotYetValid, types.ClassPermanent,
			"permit2 authorization not yet valid")
	}

	config, err := GetNetworkConfig(requirements.Network)
	if err != nil {
		return "", err
	}

	digest, err := HashPermit2Authorization(auth, config.ChainID)
	if err != nil {
		return "", types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent, err.Error())
	}
	signature, err := HexToBytes(payload.Signature)
	if err != nil {
		return "", types.NewPaymentError(types.ErrCodeSignatureInvalid, types.ClassPermanent,
			"invalid signature encoding")
	}
	signer, err := RecoverDigestSigner(digest, signature)
	if err != nil {
		return "", types.NewPaymentError(types.ErrCodeSignatureInvalid, types.ClassPermanent, err.Error())
	}

	if !strings.EqualFold(signer.Hex(), auth.From) {
		return "", types.NewPaymentError(types.ErrCodeAuthorizerMismatch, types.ClassPermanent,
			"recovered signer does not match permit2Authorization.from").WithDetails(map[string]interface{}{
			"claimed":   auth.From,
			"recovered": signer.Hex(),
		})
	}

	return signer.Hex(), nil
}

// tokenDomain extracts the EIP-712 token name/version, preferring the values
// echoed in requirements.Extra over the network defaults.
func tokenDomain(requirements types.PaymentRequirements, config NetworkConfig) (string, string) {
	name := config.DefaultAsset.Name
	version := config.DefaultAsset.Version
	if requirements.Extra != nil {
		if n, ok := requirements.Extra["name"].(string); ok {
			name = n
		}
		if v, ok := requirements.Extra["version"].(string); ok {
			version = v
		}
	}
	return name, version
}
