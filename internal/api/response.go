package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

type body struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, body{Code: xerr.OK, Msg: "success", Data: data})
}

func fail(c *gin.Context, err error) {
	code := xerr.Code(err)
	c.JSON(httpStatus(code), body{Code: code, Msg: xerr.MapErrMsg(code)})
}

func failParams(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, body{Code: xerr.RequestParamsError, Msg: msg})
}

// httpStatus folds engine error codes into transport status classes.
// Clients switch on the body code; the HTTP status is for middleboxes
// and dashboards.
func httpStatus(code int) int {
	switch code {
	case xerr.Validation, xerr.RequestParamsError, xerr.InsufficientBalance, xerr.SelfTrade:
		return http.StatusBadRequest
	case xerr.Forbidden:
		return http.StatusForbidden
	case xerr.RecordNotFound, xerr.OrderNotFound:
		return http.StatusNotFound
	case xerr.AlreadyTerminal, xerr.EscrowStateConflict:
		return http.StatusConflict
	case xerr.EngineUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
