package api

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nollyvenon/vidiaspot-sub006/internal/risk"
)

type openPositionReq struct {
	Symbol   string          `json:"symbol" binding:"required"`
	Side     string          `json:"side" binding:"required"` // long | short
	Mode     string          `json:"mode"`                    // isolated (default) | cross
	Qty      decimal.Decimal `json:"qty" binding:"required"`
	Leverage int64           `json:"leverage" binding:"required"`
}

func (s *Server) openPosition(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	var req openPositionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "invalid position payload")
		return
	}
	var side risk.PositionSide
	switch req.Side {
	case "long":
		side = risk.Long
	case "short":
		side = risk.Short
	default:
		failParams(c, "side must be long or short")
		return
	}
	var mode risk.MarginMode
	switch req.Mode {
	case "", "isolated":
		mode = risk.Isolated
	case "cross":
		mode = risk.Cross
	default:
		failParams(c, "mode must be isolated or cross")
		return
	}
	p, err := s.risk.Open(c.Request.Context(), account, req.Symbol, side, mode, req.Qty, req.Leverage)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, s.positionView(p))
}

func (s *Server) closePosition(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		failParams(c, "symbol query parameter required")
		return
	}
	// Optional qty closes part of the position; omitted closes all.
	qty := decimal.Zero
	if q := c.Query("qty"); q != "" {
		var err error
		if qty, err = decimal.NewFromString(q); err != nil {
			failParams(c, "invalid qty")
			return
		}
	}
	pnl, err := s.risk.Close(c.Request.Context(), account, symbol, qty)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"realized_pnl": pnl})
}

func (s *Server) listPositions(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	positions := s.risk.Positions(account)
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, s.positionView(p))
	}
	ok(c, out)
}

func (s *Server) positionView(p *risk.Position) gin.H {
	v := gin.H{
		"symbol":    p.Symbol,
		"side":      p.Side.String(),
		"mode":      p.Mode.String(),
		"qty":       p.Qty,
		"entry":     p.Entry,
		"leverage":  p.Leverage,
		"margin":    p.Margin,
		"liq_price": p.LiquidationPrice(s.riskCfg.MaintenanceMarginRate),
	}
	if mark, found := s.risk.Mark(p.Symbol); found {
		v["mark"] = mark
		v["unrealized_pnl"] = p.UnrealizedPnL(mark)
	}
	return v
}

type borrowReq struct {
	Asset  string          `json:"asset" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) borrow(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	var req borrowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "invalid borrow payload")
		return
	}
	loan, err := s.risk.Borrow(c.Request.Context(), account, req.Asset, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, loan)
}

func (s *Server) repay(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	var req borrowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "invalid repay payload")
		return
	}
	loan, err := s.risk.Repay(c.Request.Context(), account, req.Asset, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, loan)
}

func (s *Server) getLoan(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	loan, err := s.risk.Loan(account, c.Param("asset"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, loan)
}
