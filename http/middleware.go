package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle"
	"github.com/x402-foundation/x402/settle/paygate"
	"github.com/x402-foundation/x402/settle/types"
)

const (
	// SlippageHeader optionally carries the tolerance in basis points.
	SlippageHeader = "X-Slippage-Tolerance"
	// ReplayedHeader is set on settlement responses served from the outcome
	// store.
	ReplayedHeader = "X-Settlement-Replayed"

	verifiedKey      = "x402.verified"
	actionRequestKey = "x402.actionRequest"
	slippageKey      = "x402.slippage"
)

// Authorizer runs the payment handshake.
type Authorizer interface {
	Authorize(ctx context.Context, header string) paygate.Decision
}

// PaymentMiddleware lets a request through only with a verified payment
// proof. Otherwise it answers 402 with the payment terms, or 401 when the
// proof was already used.
func PaymentMiddleware(auth Authorizer, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := auth.Authorize(c.Request.Context(), c.GetHeader(paygate.HeaderName))
		switch {
		case decision.Verified != nil:
			c.Set(verifiedKey, decision.Verified)
			c.Next()
		case decision.Rejection != nil:
			logger.Info().Str("reason", decision.Rejection.Reason).Msg("payment proof rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, decision.Rejection)
		default:
			if decision.Code != "" {
				logger.Info().Str("code", string(decision.Code)).Msg("payment proof refused")
			}
			c.Header("Content-Type", paygate.ContentType)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, decision.Challenge)
		}
	}
}

// VerifiedContext returns the payment context set by PaymentMiddleware.
func VerifiedContext(c *gin.Context) *types.VerifiedContext {
	v, ok := c.Get(verifiedKey)
	if !ok {
		return nil
	}
	verified, _ := v.(*types.VerifiedContext)
	return verified
}

// bindAction parses and checks the action body and slippage header before
// the payment proof is evaluated, so a bad request never consumes a nonce.
func bindAction(svc *settle.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settle.ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest,
				settle.NewSettlementError(types.ErrCodeInvalidRequest, "invalid JSON body", nil))
			return
		}

		var slippage *uint64
		if raw := c.GetHeader(SlippageHeader); raw != "" {
			bips, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				abortWithError(c, http.StatusBadRequest,
					settle.NewSettlementError(types.ErrCodeInvalidRequest, "slippage tolerance must be an integer number of bips",
						map[string]interface{}{"field": SlippageHeader}))
				return
			}
			slippage = &bips
		}

		if err := svc.ValidateActionRequest(req, slippage); err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		c.Set(actionRequestKey, req)
		c.Set(slippageKey, slippage)
		c.Next()
	}
}

// requestLogger logs one line per request.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
