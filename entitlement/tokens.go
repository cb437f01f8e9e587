// Package entitlement proves that a wallet already paid for an asset:
// HMAC receipt/session tokens, a process-wide entitlement cache, and an
// on-chain fallback prover over ERC-20 transfer logs.
package entitlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenCodex mints and verifies the opaque bearer tokens the gateway hands
// out: receipts binding a wallet to one asset, and sessions binding a wallet
// to any asset until expiry. Tokens are
// base64url(payload) "." base64url(hmac) and are never reversible without
// the HMAC key.
//
// Verification is a security boundary: every malformed-token path fails
// closed with a specific reason and nothing ever panics on attacker input.
type TokenCodex struct {
	current    []byte
	previous   []byte
	sessionTTL time.Duration
	now        func() time.Time
}

// ReceiptClaims is the signed payload of a receipt token.
type ReceiptClaims struct {
	Wallet      string `json:"wallet"`
	AssetID     string `json:"assetId"`
	Transaction string `json:"transaction"`
	IssuedAt    int64  `json:"iat"`
}

// SessionClaims is the signed payload of a session token.
type SessionClaims struct {
	Wallet    string `json:"wallet"`
	ExpiresAt int64  `json:"exp"`
}

// NewTokenCodex creates a codex. previousSecret may be empty; when set,
// verification falls back to it so rotation doesn't invalidate in-flight
// tokens.
func NewTokenCodex(secret, previousSecret string, sessionTTL time.Duration) (*TokenCodex, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	codex := &TokenCodex{
		current:    []byte(secret),
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
	if previousSecret != "" {
		codex.previous = []byte(previousSecret)
	}
	return codex, nil
}

// MintReceipt issues a receipt token binding wallet+asset to a settled
// transaction.
func (c *TokenCodex) MintReceipt(wallet, assetID, transaction string) (string, error) {
	return c.sign(ReceiptClaims{
		Wallet:      common.HexToAddress(wallet).Hex(),
		AssetID:     assetID,
		Transaction: transaction,
		IssuedAt:    c.now().Unix(),
	})
}

// VerifyReceipt checks a receipt token against the presenting wallet and the
// requested asset, returning the settled transaction hash.
func (c *TokenCodex) VerifyReceipt(token, wallet, assetID string) (string, error) {
	payload, err := c.verify(token)
	if err != nil {
		return "", err
	}
	var claims ReceiptClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("receipt payload is not valid JSON")
	}
	if !strings.EqualFold(claims.Wallet, wallet) {
		return "", fmt.Errorf("receipt wallet mismatch")
	}
	if claims.AssetID != assetID {
		return "", fmt.Errorf("receipt asset mismatch")
	}
	return claims.Transaction, nil
}

// MintSession issues a session token for a wallet.
func (c *TokenCodex) MintSession(wallet string) (string, time.Time, error) {
	exp := c.now().Add(c.sessionTTL)
	token, err := c.sign(SessionClaims{
		Wallet:    common.HexToAddress(wallet).Hex(),
		ExpiresAt: exp.Unix(),
	})
	return token, exp, err
}

// VerifySession checks a session token against the presenting wallet.
func (c *TokenCodex) VerifySession(token, wallet string) (time.Time, error) {
	payload, err := c.verify(token)
	if err != nil {
		return time.Time{}, err
	}
	var claims SessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, fmt.Errorf("session payload is not valid JSON")
	}
	if !strings.EqualFold(claims.Wallet, wallet) {
		return time.Time{}, fmt.Errorf("session wallet mismatch")
	}
	exp := time.Unix(claims.ExpiresAt, 0)
	if c.now().After(exp) {
		return time.Time{}, fmt.Errorf("session expired")
	}
	return exp, nil
}

func (c *TokenCodex) sign(claims interface{}) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token payload: %w", err)
	}
	mac := computeMAC(c.current, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// verify returns the decoded payload if the signature matches the current or
// previous secret.
func (c *TokenCodex) verify(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("token is not in payload.signature form")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("token payload is not valid base64url")
	}
	mac, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("token signature is not valid base64url")
	}

	if hmac.Equal(mac, computeMAC(c.current, payload)) {
		return payload, nil
	}
	if c.previous != nil && hmac.Equal(mac, computeMAC(c.previous, payload)) {
		return payload, nil
	}
	return nil, fmt.Errorf("token signature mismatch")
}

func computeMAC(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}
