package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/escrow"
	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/internal/marketdata"
	"github.com/nollyvenon/vidiaspot-sub006/internal/p2p"
	"github.com/nollyvenon/vidiaspot-sub006/internal/risk"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/ratelimit"
)

// Server binds every service to the HTTP surface. All handlers hang off
// it so routes stay one screen away from their dependencies.
type Server struct {
	engine   *engine.Engine
	ledger   *ledger.Ledger
	balances *ledger.Service
	escrows  *escrow.Manager
	p2p      *p2p.Service
	risk     *risk.Engine
	riskCfg  risk.Config
	pairs    *asset.Registry
	feed     *marketdata.Feed
	hub      *marketdata.Hub
	arbiter  uint64

	upgrader websocket.Upgrader
}

type Deps struct {
	Engine   *engine.Engine
	Ledger   *ledger.Ledger
	Balances *ledger.Service
	Escrows  *escrow.Manager
	P2P      *p2p.Service
	Risk     *risk.Engine
	RiskCfg  risk.Config
	Pairs    *asset.Registry
	Feed     *marketdata.Feed
	Hub      *marketdata.Hub
	// Arbiter is the account allowed to review and resolve disputes.
	// Zero disables the arbiter endpoints.
	Arbiter uint64
}

func NewServer(d Deps) *Server {
	return &Server{
		engine:   d.Engine,
		ledger:   d.Ledger,
		balances: d.Balances,
		escrows:  d.Escrows,
		p2p:      d.P2P,
		risk:     d.Risk,
		riskCfg:  d.RiskCfg,
		pairs:    d.Pairs,
		feed:     d.Feed,
		hub:      d.Hub,
		arbiter:  d.Arbiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Public market data stream; the browser origin check adds
			// nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with the full middleware chain and route
// table.
func (s *Server) Router(limiter *ratelimit.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(RequestID(), Recover())
	if limiter != nil {
		r.Use(RateLimit(limiter))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/ws", s.websocket)

	v1 := r.Group("/v1")
	{
		// Pair symbols contain a slash, so market data routes take the
		// symbol as a query parameter rather than a path segment.
		v1.GET("/pairs", s.listPairs)
		v1.GET("/depth", s.depth)
		v1.GET("/klines", s.klines)
		v1.GET("/ticker", s.ticker)

		v1.POST("/orders", s.submitOrder)
		v1.GET("/orders", s.listOrders)
		v1.DELETE("/orders/:id", s.cancelOrder)

		v1.GET("/balances/:asset", s.getBalance)
		v1.POST("/deposit", s.deposit)
		v1.POST("/withdraw", s.withdraw)

		p2pGroup := v1.Group("/p2p")
		{
			p2pGroup.GET("/listings", s.listListings)
			p2pGroup.POST("/listings", s.createListing)
			p2pGroup.DELETE("/listings/:id", s.deactivateListing)
			p2pGroup.POST("/trades", s.openTrade)
			p2pGroup.GET("/trades/:id", s.getTrade)
			p2pGroup.POST("/trades/:id/paid", s.markPaid)
			p2pGroup.POST("/trades/:id/confirm", s.confirmTrade)
			p2pGroup.POST("/trades/:id/cancel", s.cancelTrade)
			p2pGroup.POST("/trades/:id/dispute", s.disputeTrade)
			p2pGroup.POST("/trades/:id/review", s.reviewTrade)
			p2pGroup.POST("/trades/:id/resolve", s.resolveTrade)
			p2pGroup.GET("/escrows/:id", s.getEscrow)
		}

		futures := v1.Group("/futures")
		{
			futures.POST("/positions", s.openPosition)
			futures.DELETE("/positions", s.closePosition)
			futures.GET("/positions", s.listPositions)
			futures.POST("/borrow", s.borrow)
			futures.POST("/repay", s.repay)
			futures.GET("/loans/:asset", s.getLoan)
		}
	}
	return r
}

// HTTPServer wraps the router in an http.Server. Timeouts cover the
// REST surface; the websocket route hijacks the connection and manages
// its own deadlines.
func (s *Server) HTTPServer(addr string, limiter *ratelimit.Store) *http.Server {
	return &http.Server{
		Addr:           addr,
		Handler:        s.Router(limiter),
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}
