package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

type ErrorKind string

const (
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindQuotaExceeded       ErrorKind = "quota_exceeded"
	KindMalformedResponse   ErrorKind = "malformed_response"
	KindTimeout             ErrorKind = "timeout"
	KindStore               ErrorKind = "store"
)

// Error is the per-request failure handed to callers. Message is safe to
// show to the end user; Err keeps the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// fallbackEligible reports whether a provider failure may be retried once on
// the alternate tier.
func (k ErrorKind) fallbackEligible() bool {
	switch k {
	case KindProviderUnavailable, KindQuotaExceeded, KindMalformedResponse, KindTimeout:
		return true
	default:
		return false
	}
}

var userMessages = map[ErrorKind]string{
	KindInvalidRequest:      "The request could not be processed.",
	KindProviderUnavailable: "The coaching service is temporarily unavailable. Please try again in a moment.",
	KindQuotaExceeded:       "The coaching service is busy right now. Please try again shortly.",
	KindMalformedResponse:   "Something went wrong while preparing a reply. Please try again.",
	KindTimeout:             "That took too long to answer. Please try again.",
	KindStore:               "Your conversation could not be saved. Please try again.",
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: userMessages[kind], Err: err}
}

func invalidRequest(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg}
}

// classifyProviderError maps SDK and transport failures onto ErrorKind.
func classifyProviderError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, err)
	}

	status := 0
	var oerr *openai.Error
	var aerr *anthropic.Error
	switch {
	case errors.As(err, &oerr):
		status = oerr.StatusCode
	case errors.As(err, &aerr):
		status = aerr.StatusCode
	}
	switch {
	case status == 429:
		return newError(KindQuotaExceeded, err)
	case status == 408 || status == 504:
		return newError(KindTimeout, err)
	case status >= 500 || status == 401 || status == 403:
		return newError(KindProviderUnavailable, err)
	case status >= 400:
		return newError(KindMalformedResponse, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return newError(KindQuotaExceeded, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return newError(KindTimeout, err)
	}
	return newError(KindProviderUnavailable, err)
}
