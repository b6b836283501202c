// Package http exposes the settlement engine over HTTP with gin.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle"
	"github.com/x402-foundation/x402/settle/paygate"
	"github.com/x402-foundation/x402/settle/types"
)

// Server holds the HTTP handlers.
type Server struct {
	svc    *settle.Service
	logger zerolog.Logger
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates the HTTP layer for svc.
func NewServer(svc *settle.Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the routes on r.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/v1/terms", s.terms)

	v1 := r.Group("/v1")
	v1.POST("/actions", bindAction(s.svc), PaymentMiddleware(s.svc, s.logger), s.createAction)
	v1.POST("/settlements", s.executeSettlement)
}

// Handler returns a gin engine with every route mounted.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	s.Register(r)
	return r
}

// ActionResponse is returned for a built export.
type ActionResponse struct {
	SealedExport *types.SealedExport `json:"sealedExport"`
	Instructions string              `json:"instructions"`
}

// SettleRequest is the body of an execute request.
type SettleRequest struct {
	SealedExport *types.SealedExport `json:"sealedExport"`
	CallerID     string              `json:"callerId"`
}

// SettlementDetail describes a confirmed settlement.
type SettlementDetail struct {
	Confirmed      bool      `json:"confirmed"`
	ConfirmedRound uint64    `json:"confirmedRound"`
	TxnID          string    `json:"txnId"`
	GroupID        string    `json:"groupId"`
	TxnCount       int       `json:"txnCount"`
	SettledAt      time.Time `json:"settledAt"`
}

// SettleResponse is returned for a confirmed settlement.
type SettleResponse struct {
	Success    bool             `json:"success"`
	CallerID   string           `json:"callerId"`
	ExportID   string           `json:"exportId"`
	Settlement SettlementDetail `json:"settlement"`
}

// FailureResponse is returned with 502 when a settlement fails.
type FailureResponse struct {
	Error       types.ErrorCode   `json:"error"`
	FailedStage types.FailedStage `json:"failedStage"`
	Detail      string            `json:"detail"`
}

func (s *Server) terms(c *gin.Context) {
	c.Header("Content-Type", paygate.ContentType)
	c.JSON(http.StatusOK, s.svc.Terms())
}

func (s *Server) createAction(c *gin.Context) {
	req := c.MustGet(actionRequestKey).(settle.ActionRequest)
	slippage, _ := c.MustGet(slippageKey).(*uint64)

	export, err := s.svc.BuildAction(c.Request.Context(), VerifiedContext(c), req, slippage)
	if err != nil {
		var se *settle.SettlementError
		if errors.As(err, &se) {
			abortWithError(c, http.StatusBadRequest, se)
			return
		}
		s.logger.Error().Err(err).Msg("failed to build export")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ActionResponse{SealedExport: export, Instructions: settle.Instructions})
}

func (s *Server) executeSettlement(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest,
			settle.NewSettlementError(types.ErrCodeInvalidRequest, "invalid JSON body", nil))
		return
	}

	outcome, err := s.svc.Execute(c.Request.Context(), req.SealedExport, req.CallerID)
	if err != nil {
		var se *settle.SettlementError
		if errors.As(err, &se) {
			abortWithError(c, http.StatusBadRequest, se)
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	if outcome.Replayed {
		c.Header(ReplayedHeader, "true")
	}
	if f := outcome.Failure; f != nil {
		c.JSON(http.StatusBadGateway, FailureResponse{
			Error:       settle.FailureCode(f),
			FailedStage: f.FailedStage,
			Detail:      f.Reason,
		})
		return
	}
	sc := outcome.Success
	c.JSON(http.StatusOK, SettleResponse{
		Success:  true,
		CallerID: outcome.CallerID,
		ExportID: outcome.ExportID,
		Settlement: SettlementDetail{
			Confirmed:      true,
			ConfirmedRound: sc.ConfirmedRound,
			TxnID:          sc.TxnID,
			GroupID:        sc.GroupID,
			TxnCount:       sc.TxnCount,
			SettledAt:      sc.SettledAt,
		},
	})
}

// abortWithError writes a SettlementError body. Other errors are reported
// as invalid requests.
func abortWithError(c *gin.Context, status int, err error) {
	var se *settle.SettlementError
	if !errors.As(err, &se) {
		se = settle.NewSettlementError(types.ErrCodeInvalidRequest, err.Error(), nil)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   se.Code,
		"message": se.Message,
		"details": se.Details,
	})
}
