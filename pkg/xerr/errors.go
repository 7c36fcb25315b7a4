package xerr

import (
	"errors"
	"fmt"
)

// Error codes. 4xx are caller faults rejected synchronously, 5xx are
// engine-side conditions surfaced through status fields or logs.
const (
	OK                   = 200
	RequestParamsError   = 400
	RecordNotFound       = 404
	ServerCommonError    = 500
	DbError              = 501
	Validation           = 40001
	InsufficientBalance  = 40002
	Forbidden            = 40301
	OrderNotFound        = 40401
	AlreadyTerminal      = 40901
	EscrowStateConflict  = 40902
	SelfTrade            = 40903
	LiquidationShortfall = 50001
	EngineUnavailable    = 50301
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func Newf(code int, format string, args ...interface{}) error {
	return &CodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case RequestParamsError, Validation:
		return "invalid request parameters"
	case DbError:
		return "database busy"
	case RecordNotFound:
		return "record not found"
	case InsufficientBalance:
		return "insufficient balance"
	case Forbidden:
		return "forbidden"
	case OrderNotFound:
		return "order not found"
	case AlreadyTerminal:
		return "already in a terminal state"
	case EscrowStateConflict:
		return "escrow state conflict"
	case SelfTrade:
		return "order would self trade"
	case LiquidationShortfall:
		return "liquidation shortfall"
	case EngineUnavailable:
		return "matching engine unavailable"
	default:
		return "unknown error"
	}
}

// Code extracts the error code, ServerCommonError for foreign errors.
func Code(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code int) bool {
	return Code(err) == code
}
