package entitlement

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet = "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"
	testAsset  = "asset-42"
	testTx     = "0xabc123"
)

func TestReceiptRoundTrip(t *testing.T) {
	codex, err := NewTokenCodex("current-secret", "", 0)
	require.NoError(t, err)

	token, err := codex.MintReceipt(testWallet, testAsset, testTx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	transaction, err := codex.VerifyReceipt(token, testWallet, testAsset)
	require.NoError(t, err)
	assert.Equal(t, testTx, transaction)

	t.Run("wallet case is ignored", func(t *testing.T) {
		transaction, err := codex.VerifyReceipt(token, strings.ToLower(testWallet), testAsset)
		require.NoError(t, err)
		assert.Equal(t, testTx, transaction)
	})

	t.Run("different wallet fails", func(t *testing.T) {
		_, err := codex.VerifyReceipt(token, "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", testAsset)
		require.Error(t, err)
	})

	t.Run("different asset fails", func(t *testing.T) {
		_, err := codex.VerifyReceipt(token, testWallet, "other-asset")
		require.Error(t, err)
	})
}

func TestReceiptMalformedTokens(t *testing.T) {
	codex, err := NewTokenCodex("current-secret", "", 0)
	require.NoError(t, err)
	valid, err := codex.MintReceipt(testWallet, testAsset, testTx)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":              "",
		"no separator":       "justonechunk",
		"bad base64":         "!!!.!!!",
		"tampered mac":       valid[:len(valid)-4] + "AAAA",
		"truncated payload":  valid[5:],
		"extra separator":    valid + ".extra",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := codex.VerifyReceipt(token, testWallet, testAsset)
			assert.Error(t, err)
		})
	}
}

func TestSecretRotation(t *testing.T) {
	old, err := NewTokenCodex("old-secret", "", 0)
	require.NoError(t, err)
	token, err := old.MintReceipt(testWallet, testAsset, testTx)
	require.NoError(t, err)

	t.Run("previous secret still verifies", func(t *testing.T) {
		rotated, err := NewTokenCodex("new-secret", "old-secret", 0)
		require.NoError(t, err)
		transaction, err := rotated.VerifyReceipt(token, testWallet, testAsset)
		require.NoError(t, err)
		assert.Equal(t, testTx, transaction)
	})

	t.Run("dropped secret invalidates", func(t *testing.T) {
		rotated, err := NewTokenCodex("new-secret", "other-secret", 0)
		require.NoError(t, err)
		_, err = rotated.VerifyReceipt(token, testWallet, testAsset)
		assert.Error(t, err)
	})
}

func TestSessionRoundTrip(t *testing.T) {
	codex, err := NewTokenCodex("current-secret", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := codex.MintSession(testWallet)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	got, err := codex.VerifySession(token, testWallet)
	require.NoError(t, err)
	assert.WithinDuration(t, exp, got, time.Second)

	_, err = codex.VerifySession(token, "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	assert.Error(t, err)
}

func TestSessionExpiry(t *testing.T) {
	codex, err := NewTokenCodex("current-secret", "", time.Hour)
	require.NoError(t, err)
	codex.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, _, err := codex.MintSession(testWallet)
	require.NoError(t, err)

	codex.now = time.Now
	_, err = codex.VerifySession(token, testWallet)
	assert.Error(t, err, "expired sessions must fail closed")
}
