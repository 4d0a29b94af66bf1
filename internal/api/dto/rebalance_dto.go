package dto

import (
	"github.com/cuongbtq/settlement-orchestrator/internal/liquidity"
)

type TokenDTO struct {
	ChainID uint64 `json:"chain_id" binding:"required"`
	Address string `json:"address" binding:"required"`
}

type QuoteRequest struct {
	Wallet   string   `json:"wallet" binding:"required"`
	Strategy string   `json:"strategy" binding:"required"`
	TokenIn  TokenDTO `json:"token_in"`
	TokenOut TokenDTO `json:"token_out"`
	// Amount is a decimal string of token base units
	Amount   string   `json:"amount" binding:"required"`
}

type QuoteResponse struct {
	Quotes []liquidity.Quote `json:"quotes"`
}

type RebalanceRequest struct {
	Wallet string            `json:"wallet" binding:"required"`
	Quotes []liquidity.Quote `json:"quotes" binding:"required,min=1"`
}

type RebalanceResponse struct {
	GroupID    string              `json:"group_id"`
	Rebalances []*liquidity.Record `json:"rebalances"`
}

type ListRebalancesRequest struct {
	GroupID string `form:"group_id" binding:"required"`
}
