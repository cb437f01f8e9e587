package types

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTransferMethod(t *testing.T) {
	t.Run("eip3009 branch", func(t *testing.T) {
		p := PaymentPayload{Payload: map[string]interface{}{
			"signature":     "0xsig",
			"authorization": map[string]interface{}{},
		}}
		method, err := p.ResolveTransferMethod()
		require.NoError(t, err)
		assert.Equal(t, TransferMethodEIP3009, method)
	})

	t.Run("permit2 branch", func(t *testing.T) {
		p := PaymentPayload{Payload: map[string]interface{}{
			"signature":            "0xsig",
			"permit2Authorization": map[string]interface{}{},
		}}
		method, err := p.ResolveTransferMethod()
		require.NoError(t, err)
		assert.Equal(t, TransferMethodPermit2, method)
	})

	t.Run("mixed branches are invalid", func(t *testing.T) {
		p := PaymentPayload{Payload: map[string]interface{}{
			"authorization":        map[string]interface{}{},
			"permit2Authorization": map[string]interface{}{},
		}}
		_, err := p.ResolveTransferMethod()
		assert.Error(t, err)
	})

	t.Run("neither branch is invalid", func(t *testing.T) {
		p := PaymentPayload{Payload: map[string]interface{}{"signature": "0xsig"}}
		_, err := p.ResolveTransferMethod()
		assert.Error(t, err)

		p = PaymentPayload{}
		_, err = p.ResolveTransferMethod()
		assert.Error(t, err)
	})
}

func TestRequirementsEqual(t *testing.T) {
	a := PaymentRequirements{
		Scheme:  "exact",
		Network: "eip155:84532",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "500000",
		PayTo:   "0x1111111111111111111111111111111111111111",
		Extra:   map[string]interface{}{"name": "USDC", "version": "2"},
	}
	b := a
	b.Extra = map[string]interface{}{"version": "2", "name": "USDC"}
	assert.True(t, RequirementsEqual(a, b), "key order must not matter")

	c := a
	c.Amount = "500001"
	assert.False(t, RequirementsEqual(a, c))
}

func TestDecodePaymentHeader(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte(`{
			"x402Version": 2,
			"accepted": {"scheme": "exact", "network": "eip155:84532", "asset": "0x0", "amount": "1", "payTo": "0x1", "maxTimeoutSeconds": 300},
			"payload": {"signature": "0xsig", "authorization": {}}
		}`))
		payload, err := DecodePaymentHeader(encoded)
		require.NoError(t, err)
		assert.Equal(t, 2, payload.X402Version)
		assert.Equal(t, "exact", payload.Accepted.Scheme)
	})

	t.Run("rejects versions the gateway does not speak", func(t *testing.T) {
		for _, version := range []string{"1", "3"} {
			encoded := base64.StdEncoding.EncodeToString([]byte(`{
				"x402Version": ` + version + `,
				"accepted": {"scheme": "exact"},
				"payload": {"signature": "0xsig", "authorization": {}}
			}`))
			_, err := DecodePaymentHeader(encoded)
			require.Error(t, err, "version %s must not decode", version)
			assert.Contains(t, err.Error(), "unsupported x402Version")
		}
	})

	t.Run("rejects junk", func(t *testing.T) {
		cases := []string{
			"",
			"not base64!!!",
			base64.StdEncoding.EncodeToString([]byte("not json")),
			base64.StdEncoding.EncodeToString([]byte(`{"x402Version": "two"}`)),
			base64.StdEncoding.EncodeToString([]byte(`{"x402Version": 2, "payload": "flat"}`)),
		}
		for _, header := range cases {
			_, err := DecodePaymentHeader(header)
			assert.Error(t, err, "header %q must not decode", header)
		}
	})
}

func TestNetworkChainID(t *testing.T) {
	id, err := Network("eip155:8453").ChainID()
	require.NoError(t, err)
	assert.Equal(t, int64(8453), id.Int64())

	_, err = Network("solana:mainnet").ChainID()
	assert.Error(t, err)

	_, err = Network("malformed").ChainID()
	assert.Error(t, err)
}
