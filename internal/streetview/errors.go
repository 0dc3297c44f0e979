package streetview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
)

// ErrNoSessionToken is returned when createSession answers 200 without a
// usable session field
var ErrNoSessionToken = errors.New("session token missing from response")

// APIError is a failed call to one of the remote endpoints
type APIError struct {
	Endpoint   string
	Kind       common.ErrorKind
	StatusCode int // 0 for transport failures
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Endpoint, e.Kind, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Endpoint, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Kind)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind carried by err, falling back to fallback
func KindOf(err error, fallback common.ErrorKind) common.ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	var pointErr *common.PointError
	if errors.As(err, &pointErr) {
		return pointErr.Kind
	}
	return fallback
}

// KindForStatus maps a non-200 HTTP status to an ErrorKind
func KindForStatus(code int) common.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return common.KindAPIAuthForbidden
	case code == http.StatusTooManyRequests:
		return common.KindAPIRateLimit
	case code == http.StatusBadRequest:
		return common.KindAPIBadRequest
	case code >= 500 && code <= 599:
		return common.KindAPIServerError
	default:
		return common.KindUnclassifiedHTTPStatus
	}
}

// KindForTransportError maps an error from sending a request or reading its
// body to an ErrorKind
func KindForTransportError(err error) common.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.KindNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return common.KindNetworkTimeout
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return common.KindNetworkConnection
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return common.KindNetworkConnection
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return common.KindNetworkConnection
	}
	return common.KindUnclassifiedRequest
}

// transient reports whether kind shares the 5xx retry budget
func transient(kind common.ErrorKind) bool {
	return kind == common.KindNetworkTimeout || kind == common.KindNetworkConnection
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
