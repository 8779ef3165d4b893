// Package chaterr defines the error taxonomy shared by the REST client,
// the transport and the retry executor, plus the retryability rules.
package chaterr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidURL      = errors.New("invalid url")
	ErrInvalidResponse = errors.New("invalid response")
	ErrTransport       = errors.New("transport failure")
	ErrDecoding        = errors.New("response decoding failed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrTimeout         = errors.New("request timed out")
	ErrNoConnection    = errors.New("no connection")
	ErrCancelled       = errors.New("cancelled")
)

// ServerError is an application-level error reported by the server.
// Code is the HTTP status when known; codes >= 500 are retryable.
type ServerError struct {
	Message string
	Code    int
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "server error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("server error %d: %s", e.Code, msg)
	}
	return msg
}

// Retryable reports whether err is worth retrying: connectivity loss,
// request timeouts and 5xx responses are; cancellation, 4xx responses,
// decoding failures and everything else are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNoConnection) || errors.Is(err, ErrTimeout) {
		return true
	}
	var srv *ServerError
	if errors.As(err, &srv) {
		return srv.Code >= 500
	}
	return false
}

// FromResponse maps a non-2xx HTTP status to the taxonomy. body is used for
// best-effort extraction of a server-provided message.
func FromResponse(status int, body []byte) error {
	switch {
	case status == 401:
		return ErrUnauthorized
	case status == 403:
		return ErrForbidden
	case status == 404:
		return ErrNotFound
	case status == 408:
		return ErrTimeout
	case status >= 500:
		return &ServerError{Message: extractMessage(body), Code: status}
	default:
		return &ServerError{Message: extractMessage(body)}
	}
}

// extractMessage pulls a human-readable message out of an error body.
// Servers answer with {"message": ...} or {"error": ...}; anything else is
// returned as trimmed raw text.
func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
