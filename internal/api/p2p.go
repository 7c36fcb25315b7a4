package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nollyvenon/vidiaspot-sub006/internal/escrow"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

type createListingReq struct {
	Asset     string          `json:"asset" binding:"required"`
	Currency  string          `json:"currency" binding:"required"`
	Price     decimal.Decimal `json:"price" binding:"required"`
	Qty       decimal.Decimal `json:"qty" binding:"required"`
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`
	Payment   []string        `json:"payment"`
}

func (s *Server) createListing(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	var req createListingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "invalid listing payload")
		return
	}
	l, err := s.p2p.CreateListing(c.Request.Context(), account,
		req.Asset, req.Currency, req.Price, req.Qty, req.MinAmount, req.MaxAmount, req.Payment)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, l)
}

func (s *Server) listListings(c *gin.Context) {
	ok(c, s.p2p.ListActive(c.Query("asset")))
}

func (s *Server) deactivateListing(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		failParams(c, "invalid listing id")
		return
	}
	if err := s.p2p.Deactivate(c.Request.Context(), account, id); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type openTradeReq struct {
	ListingID string          `json:"listing_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) openTrade(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	var req openTradeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "invalid trade payload")
		return
	}
	listingID, err := uuid.Parse(req.ListingID)
	if err != nil {
		failParams(c, "invalid listing id")
		return
	}
	t, err := s.p2p.OpenTrade(c.Request.Context(), account, listingID, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) getTrade(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		failParams(c, "invalid trade id")
		return
	}
	t, err := s.p2p.GetTrade(id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, t)
}

// tradeAction routes the shared pattern: authenticated actor, trade id
// in the path, service call that returns the updated trade.
func (s *Server) tradeAction(c *gin.Context, call func(actor uint64, id uuid.UUID) (interface{}, error)) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		failParams(c, "invalid trade id")
		return
	}
	res, err := call(account, id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (s *Server) markPaid(c *gin.Context) {
	s.tradeAction(c, func(actor uint64, id uuid.UUID) (interface{}, error) {
		return s.p2p.MarkPaid(c.Request.Context(), actor, id)
	})
}

func (s *Server) confirmTrade(c *gin.Context) {
	s.tradeAction(c, func(actor uint64, id uuid.UUID) (interface{}, error) {
		return s.p2p.Confirm(c.Request.Context(), actor, id)
	})
}

func (s *Server) cancelTrade(c *gin.Context) {
	s.tradeAction(c, func(actor uint64, id uuid.UUID) (interface{}, error) {
		return s.p2p.CancelTrade(c.Request.Context(), actor, id)
	})
}

type disputeReq struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) disputeTrade(c *gin.Context) {
	var req disputeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "dispute needs a reason")
		return
	}
	s.tradeAction(c, func(actor uint64, id uuid.UUID) (interface{}, error) {
		return s.p2p.DisputeTrade(c.Request.Context(), actor, id, req.Reason)
	})
}

// arbiterOnly authenticates the caller and rejects everyone but the
// configured arbiter account. Returns (0, false) after writing the
// response when the caller may not proceed.
func (s *Server) arbiterOnly(c *gin.Context) (uint64, bool) {
	account, authed := s.account(c)
	if !authed {
		return 0, false
	}
	if s.arbiter == 0 || account != s.arbiter {
		fail(c, xerr.New(xerr.Forbidden, "dispute resolution is arbiter only"))
		return 0, false
	}
	return account, true
}

func (s *Server) reviewTrade(c *gin.Context) {
	arbiter, authed := s.arbiterOnly(c)
	if !authed {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		failParams(c, "invalid trade id")
		return
	}
	t, err := s.p2p.ReviewTrade(c.Request.Context(), arbiter, id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, t)
}

type resolveReq struct {
	Verdict    string          `json:"verdict" binding:"required"` // buyer_favored | seller_favored | split | cancelled
	Rationale  string          `json:"rationale" binding:"required"`
	BuyerShare decimal.Decimal `json:"buyer_share"` // split only
}

func (s *Server) resolveTrade(c *gin.Context) {
	arbiter, authed := s.arbiterOnly(c)
	if !authed {
		return
	}
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "resolution needs a verdict and rationale")
		return
	}
	verdict := escrow.Resolution(req.Verdict)
	switch verdict {
	case escrow.ResolveToBuyer, escrow.ResolveToSeller, escrow.ResolveSplit, escrow.ResolveCancelled:
	default:
		failParams(c, "verdict must be buyer_favored, seller_favored, split or cancelled")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		failParams(c, "invalid trade id")
		return
	}
	t, err := s.p2p.ResolveTrade(c.Request.Context(), arbiter, id, verdict, req.Rationale, req.BuyerShare)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) getEscrow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		failParams(c, "invalid escrow id")
		return
	}
	e, err := s.escrows.Get(id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, e)
}
