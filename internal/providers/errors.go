package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"productlab/internal/domain"
)

// StatusError is a non-2xx response from an upstream endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300]
	}
	if body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, body)
}

// Classify maps a backend error onto the coded error taxonomy. Errors that
// already carry a code are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.CodeAborted, err, "")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.CodeUpstreamTimeout, err, "")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.WrapError(domain.CodeUpstreamTimeout, err, "")
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return domain.WrapError(domain.CodeModelUnavailable, err, "")
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return domain.WrapError(domain.CodeUpstreamTimeout, err, "")
		}
	}
	return domain.WrapError(domain.CodeUpstreamError, err, "")
}
