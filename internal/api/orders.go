package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/matching"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

type submitOrderReq struct {
	Symbol      string          `json:"symbol" binding:"required"`
	Side        string          `json:"side" binding:"required"`
	Type        string          `json:"type" binding:"required"`
	TIF         string          `json:"tif"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty" binding:"required"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TrailOffset decimal.Decimal `json:"trail_offset"`
	PostOnly    bool            `json:"post_only"`
	GroupID     uint64          `json:"group_id"`
	GroupRole   string          `json:"group_role"` // oco | grid
	GridStep    decimal.Decimal `json:"grid_step"`
	ExpireAt    int64           `json:"expire_at"` // unix ms, GTD only
}

type orderView struct {
	OrderID   uint64          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	TIF       string          `json:"tif"`
	Status    string          `json:"status"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	CreatedAt int64           `json:"created_at"`
}

func (s *Server) submitOrder(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	var req submitOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failParams(c, "invalid order payload")
		return
	}

	o := &engine.Order{
		AccountID:   account,
		Symbol:      req.Symbol,
		Qty:         req.Qty,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		TrailOffset: req.TrailOffset,
		PostOnly:    req.PostOnly,
		GroupID:     req.GroupID,
		GridStep:    req.GridStep,
	}

	switch req.Side {
	case "buy":
		o.Side = matching.Buy
	case "sell":
		o.Side = matching.Sell
	default:
		failParams(c, "side must be buy or sell")
		return
	}

	switch req.Type {
	case "market":
		o.Type = engine.TypeMarket
	case "limit":
		o.Type = engine.TypeLimit
	case "stop":
		o.Type = engine.TypeStop
	case "stop_limit":
		o.Type = engine.TypeStopLimit
	case "trailing_stop":
		o.Type = engine.TypeTrailingStop
	default:
		failParams(c, "unknown order type")
		return
	}

	switch req.TIF {
	case "", "gtc":
		o.TIF = engine.GTC
	case "ioc":
		o.TIF = engine.IOC
	case "fok":
		o.TIF = engine.FOK
	case "gtd":
		o.TIF = engine.GTD
		if req.ExpireAt <= 0 {
			failParams(c, "gtd orders need expire_at")
			return
		}
		o.ExpireAt = time.UnixMilli(req.ExpireAt)
	default:
		failParams(c, "unknown time in force")
		return
	}

	switch req.GroupRole {
	case "":
	case "oco":
		o.GroupRole = engine.GroupOCO
	case "grid":
		o.GroupRole = engine.GroupGrid
	default:
		failParams(c, "unknown group role")
		return
	}

	res, err := s.engine.Submit(c.Request.Context(), o)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, s.orderView(res))
}

func (s *Server) cancelOrder(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	orderID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		failParams(c, "order id must be numeric")
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		failParams(c, "symbol query parameter required")
		return
	}
	res, err := s.engine.Cancel(c.Request.Context(), symbol, orderID, account)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, s.orderView(res))
}

func (s *Server) listOrders(c *gin.Context) {
	account, authed := s.account(c)
	if !authed {
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		failParams(c, "symbol query parameter required")
		return
	}
	orders, err := s.engine.OpenOrders(c.Request.Context(), symbol, account)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, s.orderView(o))
	}
	ok(c, out)
}

func (s *Server) depth(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		failParams(c, "symbol query parameter required")
		return
	}
	levels := 20
	if raw := c.Query("levels"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			failParams(c, "levels must be between 1 and 200")
			return
		}
		levels = n
	}
	pair, found := s.pairs.Get(symbol)
	if !found {
		fail(c, xerr.NewErrCode(xerr.RecordNotFound))
		return
	}
	bids, asks, err := s.engine.Depth(c.Request.Context(), symbol, levels)
	if err != nil {
		fail(c, err)
		return
	}
	type level struct {
		Price decimal.Decimal `json:"price"`
		Qty   decimal.Decimal `json:"qty"`
	}
	toLevels := func(pqs []matching.PriceQty) []level {
		out := make([]level, 0, len(pqs))
		for _, pq := range pqs {
			out = append(out, level{Price: pair.TicksToPrice(pq.Price), Qty: pair.StepsToQty(pq.Qty)})
		}
		return out
	}
	ok(c, gin.H{"symbol": symbol, "bids": toLevels(bids), "asks": toLevels(asks)})
}

func (s *Server) orderView(o *engine.Order) orderView {
	v := orderView{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Type:      o.Type.String(),
		TIF:       o.TIF.String(),
		Status:    o.Status.String(),
		Price:     o.Price,
		Qty:       o.Qty,
		CreatedAt: o.CreatedAt.UnixMilli(),
	}
	if o.Side == matching.Buy {
		v.Side = "buy"
	} else {
		v.Side = "sell"
	}
	if pair, found := s.pairs.Get(o.Symbol); found {
		v.FilledQty = o.FilledQty(pair)
		if v.FilledQty.IsPositive() {
			v.AvgPrice = o.FilledNotional.Div(v.FilledQty)
		}
	}
	return v
}
