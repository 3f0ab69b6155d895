package grvt

import (
	"errors"
	"fmt"
	"strings"
)

// Kind buckets exchange failures into the retry policies the engine applies.
type Kind int

const (
	KindTransient Kind = iota
	KindAuth
	KindPostOnlyRejected
	KindInsufficientSize
	KindRateLimited
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindPostOnlyRejected:
		return "post_only_rejected"
	case KindInsufficientSize:
		return "insufficient_size"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// APIError is a failure reported by the exchange, classified by Kind.
type APIError struct {
	Kind    Kind
	HTTP    int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("grvt %s: http=%d code=%d message=%s", e.Kind, e.HTTP, e.Code, e.Message)
}

func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

func IsAuth(err error) bool { return KindOf(err) == KindAuth }

func IsPostOnlyRejected(err error) bool { return KindOf(err) == KindPostOnlyRejected }

func IsInsufficientSize(err error) bool { return KindOf(err) == KindInsufficientSize }

func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// classify maps an HTTP status plus the exchange's code/message pair onto a Kind.
func classify(httpStatus, code int, message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case httpStatus == 401 || code == 1000 || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authenticate"):
		return KindAuth
	case httpStatus == 429 || strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "post only") || strings.Contains(msg, "post-only") ||
		strings.Contains(msg, "would match") || strings.Contains(msg, "taker") ||
		(strings.Contains(msg, "maker") && strings.Contains(msg, "reject")):
		return KindPostOnlyRejected
	case strings.Contains(msg, "min size") || strings.Contains(msg, "minimum size") ||
		strings.Contains(msg, "size too small") || strings.Contains(msg, "below minimum"):
		return KindInsufficientSize
	case httpStatus >= 500 || httpStatus == 0:
		return KindTransient
	case httpStatus >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}
