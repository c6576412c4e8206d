// Package gateway is the client for the LLM gateway: one call streams
// one model's tokens back over a channel, with retries, model fallback,
// and usage accounting handled inside the client so callers only see
// the token sequence and two futures.
package gateway

import (
	"context"

	"github.com/quorumhq/quorum/pkg/models"
)

// ErrorKind classifies how a gateway call ended.
type ErrorKind string

// Call outcome kinds.
const (
	KindOK          ErrorKind = "ok"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindServerError ErrorKind = "server_error"
	KindBadRequest  ErrorKind = "bad_request"
	KindCancelled   ErrorKind = "cancelled"
)

// Retryable reports whether the kind is transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindServerError:
		return true
	}
	return false
}

// FaultCode maps the kind to its stable fault code.
func (k ErrorKind) FaultCode() string {
	switch k {
	case KindTimeout:
		return models.CodeTimeout
	case KindRateLimited:
		return models.CodeRateLimited
	case KindServerError:
		return models.CodeServerError
	case KindBadRequest:
		return models.CodeBadRequest
	case KindCancelled:
		return models.CodeCancelled
	}
	return models.CodeWorkerError
}

// Outcome is the resolved error future of one call. Finish is set on
// success; ModelID names the model that actually answered (it differs
// from the requested model after a fallback).
type Outcome struct {
	Kind    ErrorKind
	Finish  models.FinishReason
	ModelID string
	Message string
}

// Call is one request to the gateway.
type Call struct {
	Choice    models.ModelChoice
	Purpose   models.Purpose
	CompanyID string

	SystemPrompt string
	UserPrompt   string

	// BYOKKey overrides the platform key when non-empty.
	BYOKKey string
}

// Result exposes a call in flight: a lazy, finite, single-consumer
// token sequence plus usage and error futures that each resolve once,
// after the sequence ends.
type Result struct {
	Tokens <-chan string
	Usage  <-chan models.Usage
	Err    <-chan Outcome
}

// Client sends one prompt to one model and streams the reply.
type Client interface {
	Call(ctx context.Context, call Call) *Result
}
