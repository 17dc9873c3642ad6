package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnauthenticated is returned when no usable credential exists. Callers
	// must not retry until the credential store reports a valid credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAuthenticationRejected is returned when the broker rejected the
	// credential even after a forced refresh.
	ErrAuthenticationRejected = errors.New("authentication rejected")

	ErrRateLimited        = errors.New("rate limited")
	ErrValidation         = errors.New("validation error")
	ErrMarketClosed       = errors.New("market closed")
	ErrInsufficientMargin = errors.New("insufficient margin")
)

// Kind represents the class of a broker domain error.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindValidation
	KindMarketClosed
	KindInsufficientMargin
	KindServer
)

// String stringifies the provided kind.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate limited"
	case KindValidation:
		return "validation"
	case KindMarketClosed:
		return "market closed"
	case KindInsufficientMargin:
		return "insufficient margin"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error represents a broker domain failure. Broker domain failures are scoped
// to a single request and never affect the credential state.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
}

// Error returns the error message.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "broker %s error (status %d)", e.Kind.String(), e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}

	return b.String()
}

// Is matches the error against the broker error kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrMarketClosed:
		return e.Kind == KindMarketClosed
	case ErrInsufficientMargin:
		return e.Kind == KindInsufficientMargin
	default:
		return false
	}
}

// errorInfo extracts the broker error code and message from the provided body.
// Errors are reported either at the top level or nested under ErrorInfo.
func errorInfo(body gjson.Result) (string, string) {
	info := body.Get("ErrorInfo")
	if !info.Exists() {
		info = body
	}

	code := info.Get("ErrorCode").String()
	msg := info.Get("Message").String()
	if msg == "" {
		msg = info.Get("ErrorMessage").String()
	}

	return code, msg
}

// classifyCode maps a broker error code to an error kind.
func classifyCode(code string) (Kind, bool) {
	lower := strings.ToLower(code)
	switch {
	case lower == "":
		return KindUnknown, false
	case strings.Contains(lower, "margin"), strings.Contains(lower, "insufficientcash"),
		strings.Contains(lower, "insufficientfunds"):
		return KindInsufficientMargin, true
	case strings.Contains(lower, "marketclosed"), strings.Contains(lower, "outsidetradinghours"),
		strings.Contains(lower, "notopen"), strings.Contains(lower, "tradingnotallowed"):
		return KindMarketClosed, true
	case strings.Contains(lower, "ratelimit"), strings.Contains(lower, "toomanyrequests"):
		return KindRateLimited, true
	default:
		return KindUnknown, false
	}
}

// classify constructs a broker error from a non 2xx response.
func classify(status int, body []byte) *Error {
	code, msg := errorInfo(gjson.ParseBytes(body))
	if msg == "" && !gjson.ValidBytes(body) {
		msg = strings.TrimSpace(string(body))
	}

	kind, ok := classifyCode(code)
	if !ok {
		switch {
		case status == http.StatusTooManyRequests:
			kind = KindRateLimited
		case status >= http.StatusInternalServerError:
			kind = KindServer
		case status >= http.StatusBadRequest:
			kind = KindValidation
		default:
			kind = KindUnknown
		}
	}

	return &Error{Kind: kind, StatusCode: status, Code: code, Message: msg}
}

// rejection constructs a validation error from a 2xx response carrying error info.
func rejection(status int, body gjson.Result) *Error {
	code, msg := errorInfo(body)
	kind, ok := classifyCode(code)
	if !ok {
		kind = KindValidation
	}

	return &Error{Kind: kind, StatusCode: status, Code: code, Message: msg}
}
