package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillmarket/quillgate/catalog"
	"github.com/quillmarket/quillgate/entitlement"
	"github.com/quillmarket/quillgate/evm"
	"github.com/quillmarket/quillgate/settlement"
	"github.com/quillmarket/quillgate/types"
)

// OnchainProver confirms a historical payment when no valid receipt is
// presented. *entitlement.Resolver satisfies it.
type OnchainProver interface {
	Resolve(ctx context.Context, wallet, assetID string, requiredAmount *big.Int, seller string) (string, error)
}

// Config tunes the gateway orchestrator.
type Config struct {
	// Network is the payment network all requirements are issued on.
	Network types.Network

	// ChallengeWindow bounds how old a signed redownload or receipt
	// challenge timestamp may be. Defaults to 5 minutes.
	ChallengeWindow time.Duration

	// MaxTimeoutSeconds is advertised in payment requirements. Defaults to
	// 300.
	MaxTimeoutSeconds int

	// SessionCookieName carries the session bootstrap token in browser
	// mode. Defaults to "quill_session".
	SessionCookieName string

	Logger *zap.Logger
}

// Gateway drives the download protocol: it classifies each request, proves
// entitlement or runs the 402 payment exchange, and emits receipt/session
// side effects. All shared state lives in the injected collaborators; the
// gateway itself is stateless per request.
type Gateway struct {
	cfg          Config
	catalog      catalog.Store
	codex        *entitlement.TokenCodex
	entitlements *entitlement.Cache
	onchain      OnchainProver
	coordinator  *settlement.Coordinator
	wallets      *evm.WalletTypeDetector
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a gateway. onchain may be nil when no RPC endpoints are
// configured; receipt failure is then terminal for every client.
func New(
	cfg Config,
	store catalog.Store,
	codex *entitlement.TokenCodex,
	cache *entitlement.Cache,
	onchain OnchainProver,
	coordinator *settlement.Coordinator,
	wallets *evm.WalletTypeDetector,
) *Gateway {
	if cfg.ChallengeWindow == 0 {
		cfg.ChallengeWindow = 5 * time.Minute
	}
	if cfg.MaxTimeoutSeconds == 0 {
		cfg.MaxTimeoutSeconds = 300
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = "quill_session"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:          cfg,
		catalog:      store,
		codex:        codex,
		entitlements: cache,
		onchain:      onchain,
		coordinator:  coordinator,
		wallets:      wallets,
		logger:       logger,
		now:          time.Now,
	}
}

// RedownloadMessage is the text a wallet personal-signs to prove live key
// control for a signature-based redownload.
func RedownloadMessage(assetID, timestamp string) string {
	return fmt.Sprintf("quillgate redownload\nasset: %s\ntimestamp: %s", assetID, timestamp)
}

// ReceiptChallengeMessage is the text an agent wallet personal-signs over
// its receipt for strict-mode receipt recovery.
func ReceiptChallengeMessage(receipt, timestamp string) string {
	return fmt.Sprintf("quillgate receipt challenge\nreceipt: %s\ntimestamp: %s", receipt, timestamp)
}

// Entitlement is a proven right to re-download an asset.
type Entitlement struct {
	Transaction string
	Source      entitlement.Source
}

// ProveEntitlement runs the entitlement proof chain for one of the three
// valid redownload shapes. Creator wallets are entitled automatically.
func (g *Gateway) ProveEntitlement(
	ctx context.Context,
	kind RequestKind,
	h DownloadHeaders,
	asset *catalog.Asset,
) (*Entitlement, *types.PaymentError) {
	if !isHexAddress(h.Wallet) {
		return nil, types.NewPaymentError(types.ErrCodeInvalidWalletAddress, types.ClassPermanent,
			"X-WALLET-ADDRESS is not a valid address")
	}
	if catalog.IsCreator(asset, h.Wallet) {
		return &Entitlement{Source: entitlement.SourceCreator}, nil
	}

	switch kind {
	case KindRedownloadReceipt:
		if h.StrictAgent() {
			if err := g.verifyChallenge(h.Wallet, ReceiptChallengeMessage(h.Receipt, h.AuthTimestamp),
				h.AuthSignature, h.AuthTimestamp); err != nil {
				return nil, err
			}
		}
		transaction, err := g.codex.VerifyReceipt(h.Receipt, h.Wallet, asset.ID)
		if err == nil {
			g.entitlements.PutEntitled(h.Wallet, asset.ID, transaction, entitlement.SourceReceipt)
			return &Entitlement{Transaction: transaction, Source: entitlement.SourceReceipt}, nil
		}
		if h.StrictAgent() {
			// Receipt failure is terminal in agent mode: deterministic
			// contract, no fallback scan.
			return nil, types.NewPaymentError(types.ErrCodeReceiptInvalid, types.ClassPermanent, err.Error())
		}
		g.logger.Debug("receipt verification failed, trying on-chain proof",
			zap.String("asset", asset.ID),
			zap.Error(err),
		)
		return g.proveOnchain(ctx, h.Wallet, asset)

	case KindRedownloadSession:
		if _, err := g.codex.VerifySession(h.Session, h.Wallet); err != nil {
			return nil, types.NewPaymentError(types.ErrCodeSessionInvalid, types.ClassPermanent, err.Error())
		}
		return g.proveOnchain(ctx, h.Wallet, asset)

	case KindRedownloadSignature:
		if err := g.verifyChallenge(h.Wallet, RedownloadMessage(asset.ID, h.RedownloadTimestamp),
			h.RedownloadSignature, h.RedownloadTimestamp); err != nil {
			return nil, err
		}
		return g.proveOnchain(ctx, h.Wallet, asset)
	}

	return nil, types.NewPaymentError(types.ErrCodeInternal, types.ClassPermanent, "unclassified entitlement request")
}

// verifyChallenge checks a personal-sign proof of wallet control: the
// timestamp must be fresh and the recovered signer must be the claimed
// wallet.
func (g *Gateway) verifyChallenge(wallet, message, signature, timestamp string) *types.PaymentError {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return types.NewPaymentError(types.ErrCodeInvalidRedownloadHeaders, types.ClassPermanent,
			"challenge timestamp is not a unix second count")
	}
	age := g.now().Sub(time.Unix(ts, 0))
	if age > g.cfg.ChallengeWindow || age < -g.cfg.ChallengeWindow {
		return types.NewPaymentError(types.ErrCodeInvalidRedownloadHeaders, types.ClassPermanent,
			"challenge timestamp outside the accepted window")
	}
	signer, err := evm.RecoverPersonalSigner(message, signature)
	if err != nil {
		return types.NewPaymentError(types.ErrCodeSignatureInvalid, types.ClassPermanent, err.Error())
	}
	if !strings.EqualFold(signer, wallet) {
		return types.NewPaymentError(types.ErrCodeAuthorizerMismatch, types.ClassPermanent,
			"challenge signer does not match X-WALLET-ADDRESS").WithDetails(map[string]interface{}{
			"claimed":   wallet,
			"recovered": signer,
		})
	}
	return nil
}

// proveOnchain falls back to the Transfer-log scan. Cached entitlements are
// consulted inside the resolver so repeated misses stay cheap.
func (g *Gateway) proveOnchain(ctx context.Context, wallet string, asset *catalog.Asset) (*Entitlement, *types.PaymentError) {
	if record, outcome := g.entitlements.Get(wallet, asset.ID); outcome == entitlement.OutcomeEntitled {
		return &Entitlement{Transaction: record.Transaction, Source: entitlement.SourceCache}, nil
	}
	if g.onchain == nil {
		return nil, types.NewPaymentError(types.ErrCodeNotEntitled, types.ClassPermanent,
			"no valid entitlement proof for this asset")
	}

	required, ok := new(big.Int).SetString(asset.Price, 10)
	if !ok {
		return nil, types.NewPaymentError(types.ErrCodeInternal, types.ClassPermanent,
			"asset price is not a base-unit amount")
	}
	transaction, err := g.onchain.Resolve(ctx, wallet, asset.ID, required, asset.SellerAddress)
	if err != nil {
		var paymentErr *types.PaymentError
		if asPaymentError(err, &paymentErr) {
			return nil, paymentErr
		}
		return nil, types.NewPaymentError(types.ErrCodeProvidersUnavailable, types.ClassUnavailable, err.Error())
	}
	return &Entitlement{Transaction: transaction, Source: entitlement.SourceOnchain}, nil
}

// BuildRequirements issues the payment requirements for an asset under a
// transfer method. The result must be echoed back byte-identically by the
// buyer.
func (g *Gateway) BuildRequirements(asset *catalog.Asset, method types.TransferMethod) (types.PaymentRequirements, error) {
	config, err := evm.GetNetworkConfig(g.cfg.Network)
	if err != nil {
		return types.PaymentRequirements{}, err
	}
	return types.PaymentRequirements{
		Scheme:            evm.SchemeExact,
		Network:           g.cfg.Network,
		Asset:             config.DefaultAsset.Address,
		Amount:            asset.Price,
		PayTo:             asset.SellerAddress,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		Extra: map[string]interface{}{
			"assetTransferMethod": string(method),
			"name":                config.DefaultAsset.Name,
			"version":             config.DefaultAsset.Version,
		},
	}, nil
}

// PickTransferMethod selects the challenge method for a payer: an explicit
// header override wins, otherwise contract wallets get Permit2.
func (g *Gateway) PickTransferMethod(ctx context.Context, h DownloadHeaders) types.TransferMethod {
	switch h.TransferOverride {
	case string(types.TransferMethodEIP3009):
		return types.TransferMethodEIP3009
	case string(types.TransferMethodPermit2):
		return types.TransferMethodPermit2
	}
	if g.wallets != nil && h.Wallet != "" {
		return g.wallets.PreferredTransferMethod(ctx, h.Wallet)
	}
	return types.TransferMethodEIP3009
}

// Purchase is the outcome of a settled fresh payment.
type Purchase struct {
	Payer       string
	Transaction string
	// Shared is true when a concurrent duplicate submission settled this
	// payment and we observed its result.
	Shared bool
}

// ProcessPayment validates a submitted payment payload and settles it.
// Validation order: decode, canonicalize, union-branch resolution, accepted
// echo comparison, schema shape, contract constraints + signature, settle.
// Each stage fails before the next spends any work.
func (g *Gateway) ProcessPayment(
	ctx context.Context,
	h DownloadHeaders,
	asset *catalog.Asset,
) (*Purchase, *types.PaymentError) {
	payload, err := types.DecodePaymentHeader(h.PaymentSignature)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent, err.Error())
	}

	canonical, changed := evm.CanonicalizePayload(payload.Payload)
	if changed {
		g.logger.Info("canonicalized nested payload signature",
			zap.String("asset", asset.ID),
		)
	}
	payload.Payload = canonical

	method, err := payload.ResolveTransferMethod()
	if err != nil {
		return nil, types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent, err.Error())
	}
	if accepted := payload.Accepted.TransferMethod(); accepted != method {
		return nil, types.NewPaymentError(types.ErrCodeTransferMethodMismatch, types.ClassPermanent,
			"payload branch does not match the accepted transfer method").WithDetails(map[string]interface{}{
			"accepted": string(accepted),
			"payload":  string(method),
		})
	}

	issued, buildErr := g.BuildRequirements(asset, method)
	if buildErr != nil {
		var paymentErr *types.PaymentError
		if asPaymentError(buildErr, &paymentErr) {
			return nil, paymentErr
		}
		return nil, types.NewPaymentError(types.ErrCodeInternal, types.ClassPermanent, buildErr.Error())
	}
	if !types.RequirementsEqual(issued, payload.Accepted) {
		return nil, types.NewPaymentError(types.ErrCodeAcceptedMismatch, types.ClassPermanent,
			"accepted requirements do not match the issued requirements").WithDetails(map[string]interface{}{
			"mismatches": RequirementsDiff(issued, payload.Accepted),
		})
	}

	violations, shapeErr := ValidatePayloadShape(method, payload.Payload)
	if shapeErr != nil {
		return nil, types.NewPaymentError(types.ErrCodeInternal, types.ClassPermanent, shapeErr.Error())
	}
	if len(violations) > 0 {
		return nil, types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent,
			"payment payload fails structural validation").WithDetails(map[string]interface{}{
			"schema_violations": violations,
		})
	}

	var payer, nonce string
	switch method {
	case types.TransferMethodPermit2:
		branch, parseErr := evm.Permit2FromMap(payload.Payload)
		if parseErr != nil {
			return nil, types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent, parseErr.Error())
		}
		signer, verifyErr := evm.VerifyPermit2Transfer(issued, branch, g.now())
		if verifyErr != nil {
			return nil, toPaymentError(verifyErr)
		}
		payer = signer
		nonce = branch.Permit2Authorization.Nonce
	default:
		branch, parseErr := evm.EIP3009FromMap(payload.Payload)
		if parseErr != nil {
			return nil, types.NewPaymentError(types.ErrCodeInvalidPaymentHeader, types.ClassPermanent, parseErr.Error())
		}
		signer, verifyErr := evm.VerifyTransferAuthorization(issued, branch, g.now())
		if verifyErr != nil {
			return nil, toPaymentError(verifyErr)
		}
		payer = signer
		nonce = branch.Authorization.Nonce
	}

	key := settlement.Key(asset.ID, payer, method, nonce)
	result, settleErr := g.coordinator.Settle(ctx, key, method, *payload, issued,
		func(settled *types.SettleResponse) {
			g.entitlements.PutEntitled(payer, asset.ID, settled.Transaction, entitlement.SourceReceipt)
		})
	if settleErr != nil {
		return nil, toPaymentError(settleErr)
	}
	if result.Settlement == nil || !result.Settlement.Success {
		reason := "settlement did not succeed"
		if result.Settlement != nil && result.Settlement.ErrorReason != "" {
			reason = result.Settlement.ErrorReason
		}
		return nil, types.NewPaymentError(types.ErrCodeSettlementFailed, types.ClassPermanent, reason)
	}

	return &Purchase{
		Payer:       payer,
		Transaction: result.Settlement.Transaction,
		Shared:      result.Shared,
	}, nil
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func asPaymentError(err error, target **types.PaymentError) bool {
	return errors.As(err, target)
}

func toPaymentError(err error) *types.PaymentError {
	var paymentErr *types.PaymentError
	if asPaymentError(err, &paymentErr) {
		return paymentErr
	}
	return types.NewPaymentError(types.ErrCodeInternal, types.ClassPermanent, err.Error())
}
