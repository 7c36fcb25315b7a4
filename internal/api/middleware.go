package api

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/ratelimit"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

const headerRequestID = "X-Request-Id"

// RequestID attaches a trace id to the request context so handler logs
// correlate. An inbound header wins; otherwise one is minted.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), logger.TraceIdKey, rid) //nolint:staticcheck
		c.Request = c.Request.WithContext(ctx)
		c.Header(headerRequestID, rid)
		c.Next()
	}
}

func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(c.Request.Context(), "http panic",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				c.JSON(http.StatusInternalServerError, body{
					Code: xerr.ServerCommonError,
					Msg:  xerr.MapErrMsg(xerr.ServerCommonError),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// RateLimit buckets by client IP and route. Rejections are controlled,
// so warn without a stack.
func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !store.Allow(c.ClientIP() + ":" + route) {
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			c.JSON(http.StatusTooManyRequests, body{
				Code: http.StatusTooManyRequests,
				Msg:  "too many requests",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
