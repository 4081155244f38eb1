package binance

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBlocked marks responses that must never be retried: the exchange is
// refusing service for legal/geographic reasons or has banned the caller.
var ErrBlocked = errors.New("binance: access blocked")

// apiError is the JSON error payload the exchange attaches to rejected
// requests.
type apiError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

// BusinessError is a well-formed rejection of an order: insufficient
// balance, market closed, below minimum notional or lot size. These are not
// transport failures and are surfaced as unconfirmed TradeResults, never
// retried.
type BusinessError struct {
	Code int64
	Msg  string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("binance rejected request (code %d): %s", e.Code, e.Msg)
}

// Rejection codes that describe the order rather than the transport.
const (
	codeNewOrderRejected    = -2010 // insufficient balance, market closed
	codeInvalidQuantity     = -1013 // lot size / notional filter failure
	codeIllegalChars        = -1100
	codeMandatoryParamEmpty = -1102
)

func isBusinessCode(code int64) bool {
	switch code {
	case codeNewOrderRejected, codeInvalidQuantity, codeIllegalChars, codeMandatoryParamEmpty:
		return true
	}
	return false
}

// isBanMessage recognizes the platform's IP-ban signature. Retrying while
// banned only extends the ban, so it short-circuits the retry loop.
func isBanMessage(msg string) bool {
	return strings.Contains(msg, "banned until")
}

// IsRetryable reports whether the retry wrapper may attempt the call again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBlocked) {
		return false
	}
	var businessErr *BusinessError
	return !errors.As(err, &businessErr)
}
