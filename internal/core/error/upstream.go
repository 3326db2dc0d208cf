package errx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"google.golang.org/genai"
)

const upstreamMessage = "generation endpoint"

// WrapUpstream classifies an error returned by the generation endpoint into one of
// the upstream kinds. Caller cancellation maps to KindCancelled, and errors that are
// already AppErrors pass through untouched.
func WrapUpstream(err error) error {
	if err == nil {
		return nil
	}

	var ae *AppError
	if errors.As(err, &ae) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return upstream(err, KindUpstreamTimeout, http.StatusGatewayTimeout, "timed out")
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fromStatus(err, apiErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return upstream(err, KindUpstreamTimeout, http.StatusGatewayTimeout, "timed out")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return upstream(err, KindUpstreamConnection, http.StatusBadGateway, "connection failed")
	}

	return upstream(err, KindUpstreamServer, http.StatusBadGateway, "failed")
}

func fromStatus(err error, code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return upstream(err, KindUpstreamRateLimit, http.StatusTooManyRequests, "rate limited")
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return upstream(err, KindUpstreamTimeout, http.StatusGatewayTimeout, "timed out")
	default:
		return upstream(err, KindUpstreamServer, http.StatusBadGateway, fmt.Sprintf("returned status %d", code))
	}
}

func upstream(err error, kind Kind, status int, what string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: upstreamMessage + " " + what,
		Kind:    kind,
	}
}
