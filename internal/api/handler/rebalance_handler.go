package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/cuongbtq/settlement-orchestrator/internal/api/dto"
	"github.com/cuongbtq/settlement-orchestrator/internal/liquidity"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

func parseToken(t dto.TokenDTO) (liquidity.Token, error) {
	if !common.IsHexAddress(t.Address) {
		return liquidity.Token{}, fmt.Errorf("invalid token address %q", t.Address)
	}
	return liquidity.Token{ChainID: t.ChainID, Address: common.HexToAddress(t.Address)}, nil
}

// clientError reports whether err comes from the request rather than from
// a provider or the store.
func clientError(err error) bool {
	return errors.Is(err, liquidity.ErrUnknownStrategy) ||
		errors.Is(err, liquidity.ErrWalletMismatch) ||
		errors.Is(err, liquidity.ErrUnsupportedRoute)
}

// Quote handles POST /api/v1/rebalances/quotes
func (h *RebalanceHandler) Quote(c *gin.Context) {
	var req dto.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !common.IsHexAddress(req.Wallet) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
		return
	}
	tokenIn, err := parseToken(req.TokenIn)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokenOut, err := parseToken(req.TokenOut)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive integer"})
		return
	}

	quotes, err := h.service.Quote(c.Request.Context(), liquidity.QuoteRequest{
		Wallet:   common.HexToAddress(req.Wallet),
		Strategy: liquidity.Strategy(req.Strategy),
		TokenIn:  tokenIn,
		TokenOut: tokenOut,
		Amount:   queue.NewBigInt(amount),
	})
	if err != nil {
		if clientError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.WarnContext(c.Request.Context(), "Rebalance quote failed",
			slog.String("strategy", req.Strategy),
			slog.Any("error", err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to get quote"})
		return
	}

	c.JSON(http.StatusOK, dto.QuoteResponse{Quotes: quotes})
}

// Rebalance handles POST /api/v1/rebalances
// Records the quotes as one rebalance group and enqueues their execution
func (h *RebalanceHandler) Rebalance(c *gin.Context) {
	var req dto.RebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}
	if !common.IsHexAddress(req.Wallet) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
		return
	}

	groupID, records, err := h.service.Rebalance(c.Request.Context(), common.HexToAddress(req.Wallet), req.Quotes)
	if err != nil {
		if clientError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "Failed to start rebalance", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start rebalance"})
		return
	}

	c.JSON(http.StatusAccepted, dto.RebalanceResponse{
		GroupID:    groupID,
		Rebalances: records,
	})
}

// GetRebalance handles GET /api/v1/rebalances/:id
func (h *RebalanceHandler) GetRebalance(c *gin.Context) {
	id := c.Param("id")

	record, err := h.service.Get(c.Request.Context(), id)
	if errors.Is(err, liquidity.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Rebalance not found"})
		return
	}
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "Failed to get rebalance",
			slog.String("rebalance_job_id", id),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get rebalance"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// ListRebalances handles GET /api/v1/rebalances?group_id=
func (h *RebalanceHandler) ListRebalances(c *gin.Context) {
	var req dto.ListRebalancesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id is required"})
		return
	}

	records, err := h.service.Group(c.Request.Context(), req.GroupID)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "Failed to list rebalance group",
			slog.String("group_id", req.GroupID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rebalances"})
		return
	}

	c.JSON(http.StatusOK, dto.RebalanceResponse{GroupID: req.GroupID, Rebalances: records})
}
