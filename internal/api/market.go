package api

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nollyvenon/vidiaspot-sub006/internal/marketdata"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/safe"
)

var validTimeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true, "1w": true, "1M": true,
}

func (s *Server) klines(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		failParams(c, "symbol query parameter required")
		return
	}
	tf := c.DefaultQuery("tf", "1m")
	if !validTimeframes[tf] {
		failParams(c, "unknown timeframe")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			failParams(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	ok(c, s.feed.History().Klines(symbol, tf, limit))
}

func (s *Server) ticker(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		failParams(c, "symbol query parameter required")
		return
	}
	price, found := s.feed.LastPrice(symbol)
	if !found {
		ok(c, gin.H{"symbol": symbol, "last": nil})
		return
	}
	ok(c, gin.H{"symbol": symbol, "last": price})
}

func (s *Server) listPairs(c *gin.Context) {
	pairs := s.pairs.List()
	out := make([]gin.H, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, gin.H{
			"symbol": p.Symbol,
			"base":   p.Base,
			"quote":  p.Quote,
			"tick":   p.TickSize,
			"step":   p.StepSize,
			"active": p.Active(),
		})
	}
	ok(c, out)
}

// websocket upgrades the request and attaches the connection to the hub.
// Initial topics can come as a comma-separated query parameter; more can
// be added over the socket.
func (s *Server) websocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	conn := marketdata.NewConn(ws)
	if raw := c.Query("topics"); raw != "" {
		s.hub.Subscribe(conn, strings.Split(raw, ","))
	}
	safe.Go(conn.WritePump)
	safe.Go(func() { conn.ReadPump(s.hub) })
}
