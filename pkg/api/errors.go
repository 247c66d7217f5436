package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/uhyunpark/spotsim/pkg/exchange"
	"github.com/uhyunpark/spotsim/pkg/exchange/ledger"
	"github.com/uhyunpark/spotsim/pkg/exchange/market"
	"github.com/uhyunpark/spotsim/pkg/replay"
)

// Binance spot error codes. Only the subset the emulator can actually
// produce is listed.
const (
	codeUnknown          = -1000
	codeInvalidMessage   = -1013 // filter failures, bad price/qty
	codeIllegalChars     = -1100
	codeMandatoryParam   = -1102
	codeInvalidSymbol    = -1121
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
)

func missingParam(name string) ErrorResponse {
	return ErrorResponse{
		Code: codeMandatoryParam,
		Msg:  fmt.Sprintf("Mandatory parameter '%s' was not sent, was empty/null, or malformed.", name),
	}
}

func illegalParam(name string) ErrorResponse {
	return ErrorResponse{
		Code: codeIllegalChars,
		Msg:  fmt.Sprintf("Illegal characters found in parameter '%s'.", name),
	}
}

// classify maps an engine error onto the exchange's (HTTP status, code,
// message) vocabulary.
func classify(err error) (int, ErrorResponse) {
	var filterErr *market.FilterError
	switch {
	case errors.As(err, &filterErr):
		return http.StatusBadRequest, ErrorResponse{Code: codeInvalidMessage, Msg: "Filter failure: " + filterErr.Filter}
	case errors.Is(err, exchange.ErrInvalidQuantity):
		return http.StatusBadRequest, ErrorResponse{Code: codeInvalidMessage, Msg: "Invalid quantity."}
	case errors.Is(err, exchange.ErrInvalidPrice):
		return http.StatusBadRequest, ErrorResponse{Code: codeInvalidMessage, Msg: "Invalid price."}
	case errors.Is(err, exchange.ErrUnknownSymbol):
		return http.StatusBadRequest, ErrorResponse{Code: codeInvalidSymbol, Msg: "Invalid symbol."}
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusBadRequest, ErrorResponse{Code: codeNewOrderRejected, Msg: "Account has insufficient balance for requested action."}
	case errors.Is(err, exchange.ErrNoReferencePrice):
		return http.StatusBadRequest, ErrorResponse{Code: codeNewOrderRejected, Msg: "Market order rejected: no market price available yet."}
	case errors.Is(err, exchange.ErrOrderClosed):
		return http.StatusBadRequest, ErrorResponse{Code: codeCancelRejected, Msg: "Unknown order sent."}
	case errors.Is(err, exchange.ErrUnknownOrder):
		return http.StatusBadRequest, ErrorResponse{Code: codeNoSuchOrder, Msg: "Order does not exist."}
	case errors.Is(err, replay.ErrStopped):
		return http.StatusServiceUnavailable, ErrorResponse{Code: codeUnknown, Msg: "Replay has finished; trading is closed."}
	default:
		return http.StatusInternalServerError, ErrorResponse{Code: codeUnknown, Msg: "An unknown error occurred while processing the request."}
	}
}
