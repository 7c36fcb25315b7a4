package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const headerAccountID = "X-Account-Id"

// account reads the caller's account id from the request header. A real
// deployment would derive it from an auth token; the header keeps the
// surface testable without a user service.
func (s *Server) account(c *gin.Context) (uint64, bool) {
	raw := c.GetHeader(headerAccountID)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		failParams(c, "missing or invalid "+headerAccountID+" header")
		c.Abort()
		return 0, false
	}
	return id, true
}

func (s *Server) getBalance(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	snap, err := s.balances.GetBalance(c.Request.Context(), account, c.Param("asset"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, snap)
}

type depositReq struct {
	Account uint64          `json:"account" binding:"required"`
	Asset   string          `json:"asset" binding:"required"`
	Amount  decimal.Decimal `json:"amount" binding:"required"`
}

// deposit credits an account directly. It stands in for the wallet
// service's confirmed on-chain deposit callback.
func (s *Server) deposit(c *gin.Context) {
	var req depositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "invalid deposit payload")
		return
	}
	if !req.Amount.IsPositive() {
		failParams(c, "amount must be positive")
		return
	}
	if err := s.ledger.Credit(c.Request.Context(), req.Account, req.Asset,
		req.Amount, "deposit:api"); err != nil {
		fail(c, err)
		return
	}
	s.balances.Invalidate(c.Request.Context(), req.Account, req.Asset)
	ok(c, nil)
}

type withdrawReq struct {
	Asset  string          `json:"asset" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) withdraw(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	var req withdrawReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "invalid withdraw payload")
		return
	}
	if !req.Amount.IsPositive() {
		failParams(c, "amount must be positive")
		return
	}
	if err := s.ledger.Debit(c.Request.Context(), account, req.Asset,
		req.Amount, "withdraw:api"); err != nil {
		fail(c, err)
		return
	}
	s.balances.Invalidate(c.Request.Context(), account, req.Asset)
	ok(c, nil)
}
