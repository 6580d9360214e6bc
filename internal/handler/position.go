package handler

import (
	"context"
	"math/big"
	"net/http"

	"github.com/borrowbot/keeper/internal/middleware"
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/monitor"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// Positions is the monitor surface the ops API drives.
type Positions interface {
	EvaluateAgent(ctx context.Context, agentID string) (*monitor.Evaluation, error)
	ClosePosition(ctx context.Context, agentID string) (*model.UserOperationReceipt, error)
	WithdrawFromVault(ctx context.Context, agentID string, shares *big.Int) (*model.UserOperationReceipt, error)
}

type PositionHandler struct {
	positions Positions
}

func NewPositionHandler(p Positions) *PositionHandler {
	return &PositionHandler{positions: p}
}

type healthResponse struct {
	AgentID       string                  `json:"agent_id"`
	PositionID    int64                   `json:"position_id"`
	MarketID      string                  `json:"market_id,omitempty"`
	PriceUSD      float64                 `json:"collateral_price_usd"`
	CollateralUSD float64                 `json:"collateral_usd"`
	DebtUSD       float64                 `json:"debt_usd"`
	HealthFactor  float64                 `json:"health_factor"`
	YieldAPY      *float64                `json:"yield_apy,omitempty"`
	Constitution  *model.Constitution     `json:"constitution,omitempty"`
	Analysis      *model.PriceAnalysis    `json:"analysis,omitempty"`
	TargetClamped bool                    `json:"target_clamped"`
	Result        model.HealthCheckResult `json:"result"`
}

// Health runs a dry-run check for one agent. Nothing is submitted or logged.
func (h *PositionHandler) Health(c *gin.Context) {
	agentID := c.Param("agent_id")
	ev, err := h.positions.EvaluateAgent(c.Request.Context(), agentID)
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}

	resp := healthResponse{
		AgentID:       agentID,
		PositionID:    ev.Position.ID,
		PriceUSD:      ev.Price.PriceUSD,
		CollateralUSD: ev.CollateralUSD,
		DebtUSD:       ev.DebtUSD,
		HealthFactor:  ev.Result.HealthFactor(),
		YieldAPY:      ev.YieldAPY,
		Constitution:  ev.Constitution,
		Analysis:      ev.Analysis,
		TargetClamped: ev.TargetClamped,
		Result:        ev.Result,
	}
	if ev.Market != nil {
		resp.MarketID = ev.MarketID.Hex()
	}
	c.JSON(http.StatusOK, resp)
}

// Close unwinds the agent's position and marks it closed.
func (h *PositionHandler) Close(c *gin.Context) {
	agentID := c.Param("agent_id")
	middleware.AddAuditContext(c, "agent_id", agentID)

	receipt, err := h.positions.ClosePosition(c.Request.Context(), agentID)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(apperrors.Wrap(err))
		return
	}

	middleware.AddAuditContext(c, "user_op_hash", receipt.UserOpHash.Hex())
	c.JSON(http.StatusOK, gin.H{
		"status":       "closed",
		"user_op_hash": receipt.UserOpHash.Hex(),
		"tx_hash":      receipt.TxHash().Hex(),
		"success":      receipt.Success,
	})
}

type withdrawRequest struct {
	// Shares is a base-10 integer; vault share amounts overflow JSON numbers.
	Shares string `json:"shares" binding:"required"`
}

// Withdraw redeems vault shares to the agent wallet.
func (h *PositionHandler) Withdraw(c *gin.Context) {
	agentID := c.Param("agent_id")
	middleware.AddAuditContext(c, "agent_id", agentID)

	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest("invalid body: " + err.Error()))
		return
	}
	shares, ok := new(big.Int).SetString(req.Shares, 10)
	if !ok || shares.Sign() <= 0 {
		c.Error(apperrors.NewInvalidRequest("shares must be a positive integer"))
		return
	}

	receipt, err := h.positions.WithdrawFromVault(c.Request.Context(), agentID, shares)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(apperrors.Wrap(err))
		return
	}

	middleware.AddAuditContext(c, "user_op_hash", receipt.UserOpHash.Hex())
	c.JSON(http.StatusOK, gin.H{
		"status":       "withdrawn",
		"shares":       shares.String(),
		"user_op_hash": receipt.UserOpHash.Hex(),
		"tx_hash":      receipt.TxHash().Hex(),
		"success":      receipt.Success,
	})
}
