package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillmarket/quillgate/catalog"
	"github.com/quillmarket/quillgate/entitlement"
	"github.com/quillmarket/quillgate/facilitator"
	"github.com/quillmarket/quillgate/types"
)

// Handler exposes the gateway over HTTP.
type Handler struct {
	gateway     *Gateway
	facilitator *facilitator.Client
	logger      *zap.Logger
}

// NewHandler creates the HTTP handler. facilitatorClient feeds the health
// endpoint and may be nil in tests.
func NewHandler(g *Gateway, facilitatorClient *facilitator.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gateway: g, facilitator: facilitatorClient, logger: logger}
}

// RegisterRoutes mounts the download and health routes.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/assets/:id/download", h.HandleDownload)
	router.GET("/healthz", h.HandleHealth)
}

// HandleDownload runs the payment/entitlement state machine for one asset.
func (h *Handler) HandleDownload(c *gin.Context) {
	correlationID := uuid.New().String()
	c.Header(HeaderCorrelationID, correlationID)
	logger := h.logger.With(
		zap.String("correlationId", correlationID),
		zap.String("asset", c.Param("id")),
	)

	headers := ReadHeaders(c.Request.Header)

	asset, err := h.gateway.catalog.GetAsset(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, http.StatusNotFound, types.NewPaymentError(
			types.ErrCodeAssetNotFound, types.ClassPermanent, err.Error()))
		return
	}

	kind, classifyErr := Classify(headers)
	switch kind {
	case KindRejected:
		status := http.StatusUnauthorized
		if classifyErr.Code == types.ErrCodeDeprecatedPaymentHeader {
			status = http.StatusGone
		}
		logger.Info("request rejected", zap.String("code", classifyErr.Code))
		h.writeError(c, status, classifyErr)

	case KindRedownloadReceipt, KindRedownloadSession, KindRedownloadSignature:
		proof, proofErr := h.gateway.ProveEntitlement(c.Request.Context(), kind, headers, asset)
		if proofErr != nil {
			logger.Info("entitlement proof failed", zap.String("code", proofErr.Code))
			h.writeError(c, redownloadStatus(proofErr), proofErr)
			return
		}
		logger.Info("entitlement proven", zap.String("source", string(proof.Source)))
		h.deliver(c, logger, asset, headers, headers.Wallet, proof.Transaction, proof.Source)

	case KindFreshChallenge:
		h.writeChallenge(c, logger, asset, headers, nil)

	case KindFreshPayment:
		purchase, payErr := h.gateway.ProcessPayment(c.Request.Context(), headers, asset)
		if payErr != nil {
			logger.Info("payment rejected", zap.String("code", payErr.Code))
			h.writePaymentFailure(c, logger, asset, headers, payErr)
			return
		}
		logger.Info("payment settled",
			zap.String("payer", purchase.Payer),
			zap.String("transaction", purchase.Transaction),
			zap.Bool("shared", purchase.Shared),
		)
		h.deliver(c, logger, asset, headers, purchase.Payer, purchase.Transaction, entitlement.SourceReceipt)
	}
}

// HandleHealth reports process liveness plus facilitator reachability.
func (h *Handler) HandleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	if h.facilitator != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if _, err := h.facilitator.Preflight(ctx); err != nil {
			body["status"] = "degraded"
			body["facilitator"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		body["endpoints"] = h.facilitator.EndpointHealthReport()
	}
	c.JSON(status, body)
}

// deliver writes the asset with receipt and settlement headers. Browser
// clients additionally get a session bootstrap cookie; strict-agent mode is
// cookie-free.
func (h *Handler) deliver(
	c *gin.Context,
	logger *zap.Logger,
	asset *catalog.Asset,
	headers DownloadHeaders,
	wallet, transaction string,
	source entitlement.Source,
) {
	content, err := h.gateway.catalog.LoadContent(c.Request.Context(), asset.ID)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, types.NewPaymentError(
			types.ErrCodeInternal, types.ClassPermanent, "asset content unavailable"))
		return
	}

	receipt, err := h.gateway.codex.MintReceipt(wallet, asset.ID, transaction)
	if err != nil {
		logger.Error("failed to mint receipt", zap.Error(err))
	} else {
		c.Header(HeaderReceiptOut, receipt)
	}

	settlementHeader, err := types.EncodeSettlementHeader(types.SettlementReceipt{
		Success:           true,
		Transaction:       transaction,
		Network:           h.gateway.cfg.Network,
		EntitlementSource: string(source),
	})
	if err == nil {
		c.Header(HeaderPaymentResponse, settlementHeader)
	}

	if !headers.StrictAgent() {
		if session, exp, sessionErr := h.gateway.codex.MintSession(wallet); sessionErr == nil {
			maxAge := int(time.Until(exp).Seconds())
			c.SetCookie(h.gateway.cfg.SessionCookieName, session, maxAge, "/", "", true, true)
		}
	}

	c.Header("Content-Disposition", `attachment; filename="`+asset.ID+`.md"`)
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", content)
}

// writeChallenge answers 402 with the PAYMENT-REQUIRED header and a body
// carrying signing instructions. failure, when non-nil, adds the rejection
// diagnostics for a resubmitted payment.
func (h *Handler) writeChallenge(
	c *gin.Context,
	logger *zap.Logger,
	asset *catalog.Asset,
	headers DownloadHeaders,
	failure *types.PaymentError,
) {
	method := h.gateway.PickTransferMethod(c.Request.Context(), headers)
	requirements, err := h.gateway.BuildRequirements(asset, method)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, toPaymentError(err))
		return
	}

	required := types.PaymentRequired{
		X402Version: types.ProtocolVersion,
		Accepts:     []types.PaymentRequirements{requirements},
	}
	if failure != nil {
		required.Error = failure.Code
	}

	header, err := types.EncodePaymentRequiredHeader(required)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, toPaymentError(err))
		return
	}
	c.Header(HeaderPaymentRequired, header)

	body := gin.H{
		"x402Version":                  types.ProtocolVersion,
		"accepts":                      required.Accepts,
		"payment_signing_instructions": InstructionsFor(method),
	}
	if failure != nil {
		body["code"] = failure.Code
		body["message"] = failure.Message
		if failure.Details != nil {
			body["diagnostics"] = failure.Details
		}
	}
	logger.Info("payment required",
		zap.String("transferMethod", string(method)),
		zap.String("amount", asset.Price),
	)
	c.JSON(http.StatusPaymentRequired, body)
}

// writePaymentFailure maps a rejected payment to its protocol answer:
// malformed input is 400, infrastructure trouble is 503, everything
// payment-shaped re-challenges with 402 diagnostics.
func (h *Handler) writePaymentFailure(
	c *gin.Context,
	logger *zap.Logger,
	asset *catalog.Asset,
	headers DownloadHeaders,
	err *types.PaymentError,
) {
	if err.Class == types.ClassUnavailable {
		h.writeError(c, http.StatusServiceUnavailable, err)
		return
	}
	switch err.Code {
	case types.ErrCodeInvalidPaymentHeader:
		h.writeError(c, http.StatusBadRequest, err)
	case types.ErrCodeInternal:
		h.writeError(c, http.StatusInternalServerError, err)
	default:
		h.writeChallenge(c, logger, asset, headers, err)
	}
}

// redownloadStatus maps entitlement-proof failures onto the error taxonomy:
// infrastructure trouble is 503, everything else is a client-recoverable
// 401 — never conflated.
func redownloadStatus(err *types.PaymentError) int {
	if err.Class == types.ClassUnavailable {
		return http.StatusServiceUnavailable
	}
	if err.Code == types.ErrCodeInternal {
		return http.StatusInternalServerError
	}
	return http.StatusUnauthorized
}

func (h *Handler) writeError(c *gin.Context, status int, err *types.PaymentError) {
	body := gin.H{
		"code":    err.Code,
		"message": err.Message,
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	c.JSON(status, body)
}
